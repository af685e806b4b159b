package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Load reads and decodes a settings file.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json
// for JSON. If the extension is unrecognized, YAML is attempted first,
// then JSON. Unknown keys are rejected so typos do not silently become
// defaults.
func Load(path string) (*Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings file not found: %s", path)
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses a settings file from raw bytes. The path parameter
// is used for error messages and format detection.
func LoadFromBytes(data []byte, path string) (*Raw, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("settings file is empty")
	}

	m, err := parseGeneric(data, path)
	if err != nil {
		return nil, err
	}

	raw := &Raw{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      raw,
		DecodeHook:  paramDecodeHook,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build settings decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return raw, nil
}

// paramDecodeHook classifies raw values into Params when the target field
// is a Param, leaving everything else to the default decoding.
func paramDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Param{}) {
		return data, nil
	}
	return fromRaw(data)
}

func parseGeneric(data []byte, path string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return parseJSONMap(data)
	case ".yaml", ".yml":
		return parseYAMLMap(data)
	default:
		m, yamlErr := parseYAMLMap(data)
		if yamlErr == nil {
			return m, nil
		}
		m, jsonErr := parseJSONMap(data)
		if jsonErr == nil {
			return m, nil
		}
		return nil, fmt.Errorf("parse settings (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSONMap(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON settings: %w", err)
	}
	return m, nil
}

func parseYAMLMap(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML settings: %w", err)
	}
	return m, nil
}

// Write persists settings as sorted, pretty-printed JSON, atomically.
//
// This is what gets written next to a run-limit failure so a human can
// raise run_limit and resubmit; sentinels survive the round trip.
func Write(raw *Raw, path string) error {
	if raw == nil {
		return errors.New("settings are nil")
	}

	// encoding/json sorts map keys, so going through a map gives a
	// stable, diff-friendly file.
	b, err := json.MarshalIndent(raw.fileMap(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	b = append(b, '\n')

	return writeFileAtomic(path, b)
}

// fileMap returns the on-disk representation. Optional string parameters
// are written only when set; the six required keys are always written.
func (r *Raw) fileMap() map[string]any {
	m := map[string]any{
		"ncore":     r.NCore.raw(),
		"npar":      r.NPar.raw(),
		"kpar":      r.KPar.raw(),
		"ncpus":     r.NCPUs.raw(),
		"run_limit": r.RunLimit.raw(),
		"vasp_cmd":  r.VaspCmd.raw(),
	}

	putString := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	putString("account", r.Account)
	putString("queue", r.Queue)
	putString("walltime", r.Walltime)
	putString("pmem", r.Pmem)
	putString("qos", r.QOS)
	putString("message", r.Message)
	putString("email", r.Email)
	putString("priority", r.Priority)
	putString("initial", r.Initial)
	putString("final", r.Final)

	if r.PPN != 0 {
		m["ppn"] = r.PPN
	}
	if r.AtomPerProc != 0 {
		m["atom_per_proc"] = r.AtomPerProc
	}
	if len(r.ExtraInputFiles) > 0 {
		m["extra_input_files"] = r.ExtraInputFiles
	}
	if r.StrictKpoints {
		m["strict_kpoints"] = true
	}
	return m
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename settings file: %w", err)
	}
	return nil
}
