package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotInProject is returned when no enclosing project root can be found.
var ErrNotInProject = errors.New("not in a CASM project (no .casm directory found)")

// Path crawls up from dir looking for a '.casm' directory and returns the
// directory containing it.
//
// Returns ErrNotInProject if the crawl reaches the filesystem root without
// finding one.
func Path(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		d, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = d
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path: not a directory: %s", abs)
	}

	curr := abs
	for {
		if info, err := os.Stat(filepath.Join(curr, ".casm")); err == nil && info.IsDir() {
			return curr, nil
		}
		parent := filepath.Dir(curr)
		if parent == curr {
			return "", ErrNotInProject
		}
		curr = parent
	}
}

// Settings holds the subset of project-level settings the wrappers need.
type Settings struct {
	// Calctype names the active calculation type, e.g. "default".
	// Calculation directories and settings directories are suffixed
	// "calctype.<Calctype>".
	Calctype string
}

type projectSettingsFile struct {
	DefaultClex struct {
		Calctype string `json:"calctype"`
	} `json:"default_clex"`
}

// LoadSettings reads <root>/.casm/project_settings.json.
//
// A missing file or missing calctype falls back to "default" so that
// minimal projects still work.
func LoadSettings(root string) (*Settings, error) {
	s := &Settings{Calctype: "default"}

	path := filepath.Join(root, ".casm", "project_settings.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read project settings: %w", err)
	}

	var raw projectSettingsFile
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse project settings: %w", err)
	}
	if strings.TrimSpace(raw.DefaultClex.Calctype) != "" {
		s.Calctype = strings.TrimSpace(raw.DefaultClex.Calctype)
	}
	return s, nil
}

// DirectoryStructure resolves wrapper-relevant paths inside a project tree.
type DirectoryStructure struct {
	root string
}

func NewDirectoryStructure(root string) *DirectoryStructure {
	return &DirectoryStructure{root: filepath.Clean(root)}
}

func (d *DirectoryStructure) Root() string {
	return d.root
}

func (d *DirectoryStructure) calctypeSegment(calctype string) string {
	return "calctype." + calctype
}

// CalctypeDir returns the calculation directory for a configuration,
// <configdir>/calctype.<calctype>.
func (d *DirectoryStructure) CalctypeDir(configdir, calctype string) string {
	return filepath.Join(configdir, d.calctypeSegment(calctype))
}

// CalcSettingsDir returns the configuration-local settings directory,
// <configdir>/settings/calctype.<calctype>. Settings written here win the
// settings-path crawl for this configuration only.
func (d *DirectoryStructure) CalcSettingsDir(configdir, calctype string) string {
	return filepath.Join(configdir, "settings", d.calctypeSegment(calctype))
}

// SettingsPathCrawl searches for filename in settings/calctype.<calctype>
// directories, starting at configdir and walking up to the project root.
// The most local match wins. Returns "" if the file is nowhere to be found.
func (d *DirectoryStructure) SettingsPathCrawl(filename, calctype, configdir string) string {
	curr, err := filepath.Abs(configdir)
	if err != nil {
		return ""
	}
	stop := filepath.Dir(d.root)
	for {
		candidate := filepath.Join(curr, "settings", d.calctypeSegment(calctype), filename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		if curr == d.root || curr == stop {
			return ""
		}
		parent := filepath.Dir(curr)
		if parent == curr {
			return ""
		}
		curr = parent
	}
}

// ExtraInputPaths resolves extra input file patterns against the settings
// crawl. Each pattern is a doublestar glob evaluated relative to every
// settings/calctype.<calctype> directory from configdir up to the project
// root; when the same relative path matches at several levels, the most
// local one wins.
func (d *DirectoryStructure) ExtraInputPaths(patterns []string, calctype, configdir string) ([]string, error) {
	curr, err := filepath.Abs(configdir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	stop := filepath.Dir(d.root)
	for {
		dir := filepath.Join(curr, "settings", d.calctypeSegment(calctype))
		for _, pattern := range patterns {
			if strings.TrimSpace(pattern) == "" {
				continue
			}
			matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, fmt.Errorf("extra input pattern %q: %w", pattern, err)
			}
			for _, m := range matches {
				rel, err := filepath.Rel(dir, m)
				if err != nil {
					continue
				}
				if seen[rel] {
					continue
				}
				seen[rel] = true
				out = append(out, m)
			}
		}
		if curr == d.root || curr == stop {
			return out, nil
		}
		parent := filepath.Dir(curr)
		if parent == curr {
			return out, nil
		}
		curr = parent
	}
}

// JobName returns the queue job name for a configuration directory,
// "<SCEL_name>.<config_name>".
func JobName(configdir string) string {
	abs, err := filepath.Abs(configdir)
	if err != nil {
		abs = configdir
	}
	parent, config := filepath.Split(filepath.Clean(abs))
	return filepath.Base(filepath.Clean(parent)) + "." + config
}
