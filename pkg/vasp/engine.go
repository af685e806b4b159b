// Package vasp drives VASP relaxation attempts inside a calculation
// directory.
//
// Directory layout:
//
//	<calcdir>/
//	  run.0/
//	  run.1/
//	  ...
//	  run.final/
//
// run.i directories are created one at a time, each seeded from the
// previous attempt's CONTCAR. run.final is a constant-volume static run
// (ISIF=2, ISMEAR=-5, NSW=0, IBRION=-1).
package vasp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/casmkit/relaxctl/pkg/relax"
	"github.com/casmkit/relaxctl/pkg/settings"
	"github.com/casmkit/relaxctl/pkg/vasp/vaspio"
)

// InputSet names the project-resolved input files for one calculation.
type InputSet struct {
	Incar   string
	Kpoints string
	Poscar  string // the configuration's POS file
	Extra   []string
	Initial string // INCAR fragment applied to run.0 only
	Final   string // INCAR fragment applied to run.final
}

// FinalRunDirName is the fixed-volume static run directory.
const FinalRunDirName = "run.final"

var runDirRe = regexp.MustCompile(`^run\.(\d+)$`)

// Relax owns the attempt loop for one calculation directory.
type Relax struct {
	calcdir string
	st      settings.Resolved
	inputs  InputSet

	// runner executes the vasp command in a run directory; injectable
	// for tests.
	runner func(ctx context.Context, dir, command string) error
}

func NewRelax(calcdir string, st settings.Resolved, inputs InputSet) *Relax {
	return &Relax{
		calcdir: calcdir,
		st:      st,
		inputs:  inputs,
		runner:  runShell,
	}
}

func runShell(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = out.Close() }()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %q in %s: %w", command, dir, err)
	}
	return nil
}

// RunDirs returns the numbered run directories present, in order.
func (r *Relax) RunDirs() []string {
	entries, err := os.ReadDir(r.calcdir)
	if err != nil {
		return nil
	}
	type numbered struct {
		n    int
		name string
	}
	var dirs []numbered
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := runDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		dirs = append(dirs, numbered{n: n, name: e.Name()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].n < dirs[j].n })

	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = d.name
	}
	return out
}

// FinalDir returns the path of the fixed-volume run directory.
func (r *Relax) FinalDir() string {
	return filepath.Join(r.calcdir, FinalRunDirName)
}

// Status derives the current (status, task) pair from the run directories
// on disk:
//
//	run.final finished            -> complete
//	no runs yet                   -> incomplete / setup
//	last run unfinished           -> incomplete / continue (re-run)
//	last run relaxed              -> incomplete / final
//	attempt count >= run_limit    -> not_converging
//	otherwise                     -> incomplete / continue
func (r *Relax) Status() (relax.EngineStatus, relax.EngineTask, error) {
	if r.finished(r.FinalDir()) {
		return relax.EngineComplete, "", nil
	}

	dirs := r.RunDirs()
	if len(dirs) == 0 {
		return relax.EngineIncomplete, relax.TaskSetup, nil
	}

	last := filepath.Join(r.calcdir, dirs[len(dirs)-1])
	if r.finished(last) && r.isRelaxed(last) {
		return relax.EngineIncomplete, relax.TaskFinal, nil
	}
	if len(dirs) >= r.st.RunLimit {
		return relax.EngineNotConverging, "", nil
	}
	return relax.EngineIncomplete, relax.TaskContinue, nil
}

// finished reports whether a run directory holds a complete, parseable
// vasprun.xml.
func (r *Relax) finished(dir string) bool {
	_, err := vaspio.ReadVasprun(filepath.Join(dir, "vasprun.xml"))
	return err == nil
}

// isRelaxed reports whether a finished run needed no further ionic motion,
// which is the signal that the geometry has converged.
func (r *Relax) isRelaxed(dir string) bool {
	v, err := vaspio.ReadVasprun(filepath.Join(dir, "vasprun.xml"))
	if err != nil {
		return false
	}
	return v.IonicSteps() <= 1
}

// Setup assembles the calculation inputs: the sorted POSCAR, the INCAR
// with parallelism tags injected, KPOINTS, and any extra input files.
func (r *Relax) Setup() error {
	if err := os.MkdirAll(r.calcdir, 0755); err != nil {
		return fmt.Errorf("create calc dir: %w", err)
	}

	for _, required := range []struct{ name, path string }{
		{"INCAR", r.inputs.Incar},
		{"KPOINTS", r.inputs.Kpoints},
		{"POS", r.inputs.Poscar},
	} {
		if required.path == "" {
			return fmt.Errorf("relax setup: no %s found in project settings", required.name)
		}
		if _, err := os.Stat(required.path); err != nil {
			return fmt.Errorf("relax setup: %s: %w", required.name, err)
		}
	}

	pos, err := vaspio.ReadPoscar(r.inputs.Poscar)
	if err != nil {
		return fmt.Errorf("relax setup: %w", err)
	}
	if err := pos.Sorted().Write(filepath.Join(r.calcdir, "POSCAR")); err != nil {
		return fmt.Errorf("relax setup: write POSCAR: %w", err)
	}

	inc, err := vaspio.ReadIncar(r.inputs.Incar)
	if err != nil {
		return fmt.Errorf("relax setup: %w", err)
	}
	r.injectParallelism(inc)
	if err := inc.Write(filepath.Join(r.calcdir, "INCAR")); err != nil {
		return fmt.Errorf("relax setup: write INCAR: %w", err)
	}

	if err := copyFile(r.inputs.Kpoints, filepath.Join(r.calcdir, "KPOINTS")); err != nil {
		return fmt.Errorf("relax setup: KPOINTS: %w", err)
	}

	for _, extra := range r.inputs.Extra {
		if extra == "" {
			continue
		}
		dst := filepath.Join(r.calcdir, filepath.Base(extra))
		if err := copyFile(extra, dst); err != nil {
			return fmt.Errorf("relax setup: extra input %s: %w", extra, err)
		}
	}
	return nil
}

// injectParallelism writes the resolved NPAR/NCORE/KPAR values into the
// INCAR. NPAR and NCORE are mutually exclusive; resolution guarantees at
// most one is set.
func (r *Relax) injectParallelism(inc *vaspio.Incar) {
	if r.st.NPar != nil {
		inc.Set("NPAR", strconv.Itoa(*r.st.NPar))
		inc.Delete("NCORE")
	} else if r.st.NCore != nil {
		inc.Set("NCORE", strconv.Itoa(*r.st.NCore))
		inc.Delete("NPAR")
	}
	if r.st.KPar != nil {
		inc.Set("KPAR", strconv.Itoa(*r.st.KPar))
	}
}

// Run performs relaxation attempts until the calculation completes, stops
// converging, or the context is cancelled. Returns the final (status, task).
func (r *Relax) Run(ctx context.Context) (relax.EngineStatus, relax.EngineTask, error) {
	// One extra attempt beyond run_limit covers the final static run.
	for attempt := 0; attempt <= r.st.RunLimit+1; attempt++ {
		status, task, err := r.Status()
		if err != nil {
			return status, task, err
		}
		if status != relax.EngineIncomplete {
			return status, task, nil
		}

		var dir string
		switch task {
		case relax.TaskSetup:
			if err := r.Setup(); err != nil {
				return status, task, err
			}
			dir, err = r.nextRunDir()
		case relax.TaskContinue:
			dir, err = r.nextRunDir()
		case relax.TaskFinal:
			dir, err = r.setupFinalDir()
		default:
			return status, task, fmt.Errorf("unexpected relaxation task: %q", task)
		}
		if err != nil {
			return status, task, err
		}

		if err := r.runner(ctx, dir, r.st.VaspCmd); err != nil {
			return status, task, err
		}
		if !r.finished(dir) {
			return status, task, fmt.Errorf("attempt in %s produced no parseable vasprun.xml", dir)
		}
	}
	return "", "", errors.New("relaxation attempt loop did not terminate")
}

// nextRunDir creates run.N, seeding inputs from the previous run when one
// exists (CONTCAR becomes the new POSCAR) and from the calc dir otherwise.
func (r *Relax) nextRunDir() (string, error) {
	dirs := r.RunDirs()
	dir := filepath.Join(r.calcdir, fmt.Sprintf("run.%d", len(dirs)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	src := r.calcdir
	poscar := filepath.Join(r.calcdir, "POSCAR")
	if len(dirs) > 0 {
		prev := filepath.Join(r.calcdir, dirs[len(dirs)-1])
		if _, err := os.Stat(filepath.Join(prev, "CONTCAR")); err == nil {
			poscar = filepath.Join(prev, "CONTCAR")
		}
	}

	if err := r.seedRunDir(src, dir, poscar, false, len(dirs) == 0); err != nil {
		return "", err
	}
	return dir, nil
}

// setupFinalDir creates run.final seeded from the last relaxation run,
// with the INCAR patched for a fixed-volume static calculation.
func (r *Relax) setupFinalDir() (string, error) {
	dirs := r.RunDirs()
	if len(dirs) == 0 {
		return "", errors.New("final run requested with no relaxation runs")
	}
	prev := filepath.Join(r.calcdir, dirs[len(dirs)-1])

	dir := r.FinalDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create final run dir: %w", err)
	}

	poscar := filepath.Join(prev, "CONTCAR")
	if _, err := os.Stat(poscar); err != nil {
		poscar = filepath.Join(prev, "POSCAR")
	}
	if err := r.seedRunDir(r.calcdir, dir, poscar, true, false); err != nil {
		return "", err
	}
	return dir, nil
}

// seedRunDir copies INCAR/KPOINTS from src and installs poscar as POSCAR.
// When final is set the INCAR is patched for the static run; when initial
// is set the first-run INCAR fragment is applied.
func (r *Relax) seedRunDir(src, dst, poscar string, final, initial bool) error {
	inc, err := vaspio.ReadIncar(filepath.Join(src, "INCAR"))
	if err != nil {
		return fmt.Errorf("seed run dir: %w", err)
	}
	if final {
		inc.Set("ISIF", "2")
		inc.Set("ISMEAR", "-5")
		inc.Set("NSW", "0")
		inc.Set("IBRION", "-1")
		if r.inputs.Final != "" {
			if err := overlayIncar(inc, r.inputs.Final); err != nil {
				return err
			}
		}
	} else if initial && r.inputs.Initial != "" {
		if err := overlayIncar(inc, r.inputs.Initial); err != nil {
			return err
		}
	}
	if err := inc.Write(filepath.Join(dst, "INCAR")); err != nil {
		return fmt.Errorf("seed run dir: write INCAR: %w", err)
	}

	if err := copyFile(filepath.Join(src, "KPOINTS"), filepath.Join(dst, "KPOINTS")); err != nil {
		return fmt.Errorf("seed run dir: KPOINTS: %w", err)
	}
	if err := copyFile(poscar, filepath.Join(dst, "POSCAR")); err != nil {
		return fmt.Errorf("seed run dir: POSCAR: %w", err)
	}

	// Extra input files ride along into every run dir.
	for _, extra := range r.inputs.Extra {
		if extra == "" {
			continue
		}
		name := filepath.Base(extra)
		local := filepath.Join(src, name)
		if _, err := os.Stat(local); err != nil {
			continue
		}
		if err := copyFile(local, filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("seed run dir: %s: %w", name, err)
		}
	}
	return nil
}

// overlayIncar applies every tag from an INCAR fragment file.
func overlayIncar(inc *vaspio.Incar, fragment string) error {
	frag, err := vaspio.ReadIncar(fragment)
	if err != nil {
		return fmt.Errorf("INCAR fragment %s: %w", fragment, err)
	}
	for _, k := range frag.Keys() {
		v, _ := frag.Get(k)
		inc.Set(k, v)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
