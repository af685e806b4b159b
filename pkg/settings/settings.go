// Package settings loads and resolves relaxation settings files.
//
// Settings resolution is two-phase: a Raw settings struct is decoded from
// relax.json (JSON or YAML) with deferred-resolution sentinels left intact,
// then Resolve produces a fully concrete Resolved struct for the current
// runtime environment. Code downstream of Resolve never sees a sentinel.
package settings

import (
	"os"
	"strconv"
)

// Raw is a settings file as written, before environment resolution.
//
// The six queue/parallelism keys (ncore, npar, kpar, vasp_cmd, ncpus,
// run_limit) are always present after Load; a key the file omits is Unset.
type Raw struct {
	// Queue resource parameters, passed through to the scheduler opaquely.
	Account  string `mapstructure:"account" json:"account,omitempty"`
	Queue    string `mapstructure:"queue" json:"queue,omitempty"`
	Walltime string `mapstructure:"walltime" json:"walltime,omitempty"`
	Pmem     string `mapstructure:"pmem" json:"pmem,omitempty"`
	QOS      string `mapstructure:"qos" json:"qos,omitempty"`
	Message  string `mapstructure:"message" json:"message,omitempty"`
	Email    string `mapstructure:"email" json:"email,omitempty"`
	Priority string `mapstructure:"priority" json:"priority,omitempty"`

	// Node sizing: nodes = ceil(atoms / atom_per_proc / ppn).
	PPN         int     `mapstructure:"ppn" json:"ppn,omitempty"`
	AtomPerProc float64 `mapstructure:"atom_per_proc" json:"atom_per_proc,omitempty"`

	// Deferred-resolution parameters.
	NCore    Param `mapstructure:"ncore" json:"ncore"`
	NPar     Param `mapstructure:"npar" json:"npar"`
	KPar     Param `mapstructure:"kpar" json:"kpar"`
	NCPUs    Param `mapstructure:"ncpus" json:"ncpus"`
	RunLimit Param `mapstructure:"run_limit" json:"run_limit"`
	VaspCmd  Param `mapstructure:"vasp_cmd" json:"vasp_cmd"`

	// Input file assembly.
	ExtraInputFiles []string `mapstructure:"extra_input_files" json:"extra_input_files,omitempty"`
	Initial         string   `mapstructure:"initial" json:"initial,omitempty"`
	Final           string   `mapstructure:"final" json:"final,omitempty"`
	StrictKpoints   bool     `mapstructure:"strict_kpoints" json:"strict_kpoints,omitempty"`
}

// Resolved is a Raw settings struct after environment resolution.
// Optional integer parameters that remain unset are nil.
type Resolved struct {
	Account  string
	Queue    string
	Walltime string
	Pmem     string
	QOS      string
	Message  string
	Email    string
	Priority string

	PPN         int
	AtomPerProc float64

	NCore *int
	NPar  *int
	KPar  *int
	NCPUs *int

	RunLimit int
	VaspCmd  string

	ExtraInputFiles []string
	Initial         string
	Final           string
	StrictKpoints   bool
}

// Env looks up an environment variable. Injectable for tests.
type Env func(key string) (string, bool)

// OSEnv reads the process environment.
func OSEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// DefaultRunLimit bounds relaxation attempts when the settings file does
// not say otherwise.
const DefaultRunLimit = 10

// Environment variables consulted by sentinel resolution. These are set by
// the batch scheduler inside a running job.
const (
	envNumNodes = "PBS_NUM_NODES"
	envNumPPN   = "PBS_NUM_PPN"
	envNP       = "PBS_NP"
)

// Resolve applies sentinel and environment resolution:
//
//   - npar: CASM_DEFAULT reads PBS_NUM_NODES, VASP_DEFAULT leaves it unset.
//   - ncore: only meaningful when npar is unset; CASM_DEFAULT reads
//     PBS_NUM_PPN, VASP_DEFAULT resolves to 1. A set npar forces ncore unset.
//   - ncpus: absent or CASM_DEFAULT reads PBS_NP.
//   - run_limit: absent or CASM_DEFAULT resolves to DefaultRunLimit.
//   - vasp_cmd: absent resolves to "vasp".
func (r Raw) Resolve(env Env) Resolved {
	if env == nil {
		env = OSEnv
	}

	out := Resolved{
		Account:         r.Account,
		Queue:           r.Queue,
		Walltime:        r.Walltime,
		Pmem:            r.Pmem,
		QOS:             r.QOS,
		Message:         r.Message,
		Email:           r.Email,
		Priority:        r.Priority,
		PPN:             r.PPN,
		AtomPerProc:     r.AtomPerProc,
		ExtraInputFiles: r.ExtraInputFiles,
		Initial:         r.Initial,
		Final:           r.Final,
		StrictKpoints:   r.StrictKpoints,
	}

	out.NPar = resolveEnvInt(r.NPar, env, envNumNodes, nil)
	if out.NPar == nil {
		one := 1
		out.NCore = resolveEnvInt(r.NCore, env, envNumPPN, &one)
	}

	if v, ok := r.KPar.Int(); ok {
		out.KPar = &v
	}

	if r.NCPUs.IsUnset() || r.NCPUs.IsCASMDefault() {
		out.NCPUs = envInt(env, envNP)
	} else if v, ok := r.NCPUs.Int(); ok {
		out.NCPUs = &v
	}

	out.RunLimit = DefaultRunLimit
	if v, ok := r.RunLimit.Int(); ok {
		out.RunLimit = v
	}

	out.VaspCmd = "vasp"
	if s, ok := r.VaspCmd.String(); ok && s != "" {
		out.VaspCmd = s
	}

	return out
}

// resolveEnvInt handles the shared CASM_DEFAULT/VASP_DEFAULT pattern:
// CASM_DEFAULT reads envKey, VASP_DEFAULT takes vaspFallback (possibly nil).
func resolveEnvInt(p Param, env Env, envKey string, vaspFallback *int) *int {
	switch {
	case p.IsCASMDefault():
		return envInt(env, envKey)
	case p.IsVASPDefault():
		if vaspFallback == nil {
			return nil
		}
		v := *vaspFallback
		return &v
	default:
		if v, ok := p.Int(); ok {
			return &v
		}
		return nil
	}
}

func envInt(env Env, key string) *int {
	s, ok := env(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}
