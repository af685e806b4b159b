package vasp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmkit/relaxctl/pkg/relax"
	"github.com/casmkit/relaxctl/pkg/settings"
	"github.com/casmkit/relaxctl/pkg/vasp/vaspio"
)

const enginePOS = `config
1.0
 4.0 0.0 0.0
 0.0 4.0 0.0
 0.0 0.0 8.0
Al Cu
2 1
Direct
 0.00 0.00 0.00 Al
 0.25 0.25 0.25 Cu
 0.50 0.50 0.50 Al
`

const engineINCAR = `ISIF = 3
NSW = 61
NELM = 60
NCORE = 4
`

// relaxationXML builds a vasprun.xml with the given number of ionic steps.
// One step reads as a relaxed geometry, more as still moving.
func relaxationXML(ionicSteps int) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n<modeling>\n")
	b.WriteString(" <parameters>\n  <separator name=\"electronic\">\n")
	b.WriteString("   <i type=\"int\" name=\"NELM\">60</i>\n")
	b.WriteString("  </separator>\n </parameters>\n")
	for i := 0; i < ionicSteps; i++ {
		b.WriteString(" <calculation>\n")
		b.WriteString("  <scstep><energy><i name=\"e_fr_energy\">-1.0</i></energy></scstep>\n")
		b.WriteString("  <energy>\n   <i name=\"e_fr_energy\">-1.0</i>\n   <i name=\"e_0_energy\">-1.0</i>\n  </energy>\n")
		b.WriteString(" </calculation>\n")
	}
	b.WriteString("</modeling>\n")
	return b.String()
}

type engineFixture struct {
	relax    *Relax
	calcdir  string
	inputDir string
}

// runWriter returns a runner that fakes a relaxation attempt by writing a
// vasprun.xml into the run directory, one ionic step once the geometry
// should read as settled.
func runWriter(relaxAfter int) func(ctx context.Context, dir, command string) error {
	attempts := 0
	return func(ctx context.Context, dir, command string) error {
		attempts++
		steps := 5
		if attempts >= relaxAfter || filepath.Base(dir) == FinalRunDirName {
			steps = 1
		}
		return os.WriteFile(filepath.Join(dir, "vasprun.xml"), []byte(relaxationXML(steps)), 0644)
	}
}

func newEngineFixture(t *testing.T, runLimit int) *engineFixture {
	t.Helper()

	root := t.TempDir()
	calcdir := filepath.Join(root, "calctype.default")
	require.NoError(t, os.MkdirAll(calcdir, 0755))

	inputDir := filepath.Join(root, "inputs")
	require.NoError(t, os.MkdirAll(inputDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "INCAR"), []byte(engineINCAR), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "KPOINTS"), []byte("auto\n0\nGamma\n8 8 4\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "POS"), []byte(enginePOS), 0644))

	npar := 2
	st := settings.Resolved{
		RunLimit: runLimit,
		VaspCmd:  "vasp",
		NPar:     &npar,
	}
	inputs := InputSet{
		Incar:   filepath.Join(inputDir, "INCAR"),
		Kpoints: filepath.Join(inputDir, "KPOINTS"),
		Poscar:  filepath.Join(inputDir, "POS"),
	}
	return &engineFixture{
		relax:    NewRelax(calcdir, st, inputs),
		calcdir:  calcdir,
		inputDir: inputDir,
	}
}

func (f *engineFixture) writeRunDir(t *testing.T, name string, ionicSteps int) {
	t.Helper()
	dir := filepath.Join(f.calcdir, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if ionicSteps > 0 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "vasprun.xml"), []byte(relaxationXML(ionicSteps)), 0644))
	}
}

func TestStatus(t *testing.T) {
	type expectation struct {
		status relax.EngineStatus
		task   relax.EngineTask
	}
	cases := []struct {
		name    string
		prepare func(t *testing.T, f *engineFixture)
		want    expectation
	}{
		{
			name:    "PristineDir",
			prepare: func(t *testing.T, f *engineFixture) {},
			want:    expectation{relax.EngineIncomplete, relax.TaskSetup},
		},
		{
			name: "UnfinishedRun",
			prepare: func(t *testing.T, f *engineFixture) {
				f.writeRunDir(t, "run.0", 0)
			},
			want: expectation{relax.EngineIncomplete, relax.TaskContinue},
		},
		{
			name: "StillMoving",
			prepare: func(t *testing.T, f *engineFixture) {
				f.writeRunDir(t, "run.0", 5)
			},
			want: expectation{relax.EngineIncomplete, relax.TaskContinue},
		},
		{
			name: "RelaxedNeedsFinal",
			prepare: func(t *testing.T, f *engineFixture) {
				f.writeRunDir(t, "run.0", 5)
				f.writeRunDir(t, "run.1", 1)
			},
			want: expectation{relax.EngineIncomplete, relax.TaskFinal},
		},
		{
			name: "RunLimitHit",
			prepare: func(t *testing.T, f *engineFixture) {
				for i := 0; i < 3; i++ {
					f.writeRunDir(t, fmt.Sprintf("run.%d", i), 5)
				}
			},
			want: expectation{relax.EngineNotConverging, ""},
		},
		{
			name: "FinalRunFinished",
			prepare: func(t *testing.T, f *engineFixture) {
				f.writeRunDir(t, "run.0", 1)
				f.writeRunDir(t, FinalRunDirName, 1)
			},
			want: expectation{relax.EngineComplete, ""},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t, 3)
			tc.prepare(t, f)

			status, task, err := f.relax.Status()
			require.NoError(t, err)
			assert.Equal(t, tc.want.status, status)
			assert.Equal(t, tc.want.task, task)
		})
	}
}

func TestRunDirsNumericOrder(t *testing.T) {
	f := newEngineFixture(t, 20)
	for _, name := range []string{"run.10", "run.2", "run.0", "run.1", FinalRunDirName, "notarun"} {
		require.NoError(t, os.MkdirAll(filepath.Join(f.calcdir, name), 0755))
	}
	assert.Equal(t, []string{"run.0", "run.1", "run.2", "run.10"}, f.relax.RunDirs())
}

func TestSetup(t *testing.T) {
	f := newEngineFixture(t, 3)
	require.NoError(t, f.relax.Setup())

	// POSCAR is written species-sorted.
	pos, err := vaspio.ReadPoscar(filepath.Join(f.calcdir, "POSCAR"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Al", "Cu"}, pos.TypeAtoms)
	assert.Equal(t, []int{2, 1}, pos.NumAtoms)

	// NPAR is injected and the conflicting NCORE dropped.
	inc, err := vaspio.ReadIncar(filepath.Join(f.calcdir, "INCAR"))
	require.NoError(t, err)
	v, ok := inc.Get("NPAR")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = inc.Get("NCORE")
	assert.False(t, ok)

	assert.FileExists(t, filepath.Join(f.calcdir, "KPOINTS"))
}

func TestSetupMissingInput(t *testing.T) {
	f := newEngineFixture(t, 3)
	require.NoError(t, os.Remove(filepath.Join(f.inputDir, "KPOINTS")))

	err := f.relax.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KPOINTS")
}

func TestRunToCompletion(t *testing.T) {
	f := newEngineFixture(t, 5)
	f.relax.runner = runWriter(2)

	status, _, err := f.relax.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relax.EngineComplete, status)

	// Two relaxation attempts plus the static run.
	assert.Equal(t, []string{"run.0", "run.1"}, f.relax.RunDirs())

	inc, err := vaspio.ReadIncar(filepath.Join(f.relax.FinalDir(), "INCAR"))
	require.NoError(t, err)
	for key, want := range map[string]string{
		"ISIF": "2", "ISMEAR": "-5", "NSW": "0", "IBRION": "-1",
	} {
		v, ok := inc.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}
}

func TestRunHitsRunLimit(t *testing.T) {
	f := newEngineFixture(t, 2)
	f.relax.runner = runWriter(100)

	status, _, err := f.relax.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relax.EngineNotConverging, status)
	assert.Equal(t, []string{"run.0", "run.1"}, f.relax.RunDirs())
}

func TestRunFailsWithoutOutput(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.relax.runner = func(ctx context.Context, dir, command string) error { return nil }

	_, _, err := f.relax.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable vasprun.xml")
}

func TestInitialFragmentAppliedToFirstRunOnly(t *testing.T) {
	f := newEngineFixture(t, 5)
	initial := filepath.Join(f.inputDir, "INCAR.initial")
	require.NoError(t, os.WriteFile(initial, []byte("ISMEAR = 0\nSIGMA = 0.2\n"), 0644))
	f.relax.inputs.Initial = initial
	f.relax.runner = runWriter(2)

	status, _, err := f.relax.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relax.EngineComplete, status)

	inc0, err := vaspio.ReadIncar(filepath.Join(f.calcdir, "run.0", "INCAR"))
	require.NoError(t, err)
	v, ok := inc0.Get("SIGMA")
	require.True(t, ok)
	assert.Equal(t, "0.2", v)

	inc1, err := vaspio.ReadIncar(filepath.Join(f.calcdir, "run.1", "INCAR"))
	require.NoError(t, err)
	_, ok = inc1.Get("SIGMA")
	assert.False(t, ok, "first-run overlay must not leak into later runs")
}
