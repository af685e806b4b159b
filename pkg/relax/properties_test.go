package relax

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmkit/relaxctl/pkg/vasp/vaspio"
)

// An interleaved configuration: the calculation runs species-sorted
// (Cu, Cu, Al) while the configuration lists Cu, Al, Cu.
const interleavedPOS = `SCEL1 config
1.0
 4.0 0.0 0.0
 0.0 4.0 0.0
 0.0 0.0 8.0
Cu Al
2 1
Direct
 0.00 0.00 0.00 Cu
 0.25 0.25 0.25 Al
 0.50 0.50 0.50 Cu
`

const threeSiteVasprun = `<?xml version="1.0"?>
<modeling>
 <parameters>
  <separator name="electronic">
   <i type="int" name="NELM">60</i>
  </separator>
 </parameters>
 <calculation>
  <scstep><energy><i name="e_fr_energy">-20.0</i></energy></scstep>
  <structure>
   <crystal>
    <varray name="basis">
     <v>4.1 0.0 0.0</v>
     <v>0.0 4.1 0.0</v>
     <v>0.0 0.0 8.2</v>
    </varray>
   </crystal>
   <varray name="positions">
    <v>0.01 0.0 0.0</v>
    <v>0.51 0.5 0.5</v>
    <v>0.26 0.25 0.25</v>
   </varray>
  </structure>
  <varray name="forces">
   <v>1.0 0.0 0.0</v>
   <v>2.0 0.0 0.0</v>
   <v>3.0 0.0 0.0</v>
  </varray>
  <energy>
   <i name="e_fr_energy">-21.0</i>
   <i name="e_0_energy">-20.9</i>
  </energy>
 </calculation>
</modeling>
`

func writeRun(t *testing.T, dir, xml string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vasprun.xml"), []byte(xml), 0644))
}

func TestBuildPropertiesUnsortsResults(t *testing.T) {
	dir := t.TempDir()
	posPath := filepath.Join(dir, "POS")
	require.NoError(t, os.WriteFile(posPath, []byte(interleavedPOS), 0644))
	rundir := filepath.Join(dir, "run.final")
	writeRun(t, rundir, threeSiteVasprun)

	pos, err := vaspio.ReadPoscar(posPath)
	require.NoError(t, err)

	props, err := BuildProperties(rundir, pos)
	require.NoError(t, err)

	// Sorted output order is Cu@0, Cu@2, Al@1, so the second sorted force
	// belongs to original site 2 and the third to original site 1.
	assert.Equal(t, [3]float64{1, 0, 0}, props.RelaxedForces[0])
	assert.Equal(t, [3]float64{3, 0, 0}, props.RelaxedForces[1])
	assert.Equal(t, [3]float64{2, 0, 0}, props.RelaxedForces[2])

	assert.Equal(t, [3]float64{0.01, 0, 0}, props.RelaxedBasis[0])
	assert.Equal(t, [3]float64{0.26, 0.25, 0.25}, props.RelaxedBasis[1])
	assert.Equal(t, [3]float64{0.51, 0.5, 0.5}, props.RelaxedBasis[2])

	assert.Equal(t, []string{"Cu", "Al"}, props.AtomType)
	assert.Equal(t, []int{2, 1}, props.AtomsPerType)
	assert.Equal(t, "Direct", props.CoordMode)
	assert.InDelta(t, -20.9, props.RelaxedEnergy, 1e-12)
	assert.Equal(t, [3]float64{4.1, 0, 0}, props.RelaxedLatt[0])
}

func TestBuildPropertiesAtomCountMismatch(t *testing.T) {
	dir := t.TempDir()
	posPath := filepath.Join(dir, "POS")
	require.NoError(t, os.WriteFile(posPath, []byte(testPOS), 0644))
	rundir := filepath.Join(dir, "run.final")
	writeRun(t, rundir, threeSiteVasprun)

	pos, err := vaspio.ReadPoscar(posPath)
	require.NoError(t, err)

	_, err = BuildProperties(rundir, pos)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "atom count mismatch")
}

func TestPropertiesWriteSortedKeys(t *testing.T) {
	dir := t.TempDir()
	posPath := filepath.Join(dir, "POS")
	require.NoError(t, os.WriteFile(posPath, []byte(interleavedPOS), 0644))
	rundir := filepath.Join(dir, "run.final")
	writeRun(t, rundir, threeSiteVasprun)

	pos, err := vaspio.ReadPoscar(posPath)
	require.NoError(t, err)
	props, err := BuildProperties(rundir, pos)
	require.NoError(t, err)

	out := filepath.Join(dir, PropertiesFileName)
	require.NoError(t, props.Write(out))

	b, err := os.ReadFile(out)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{
		"atom_type", "atoms_per_type", "coord_mode",
		"relaxed_basis", "relaxed_energy", "relaxed_forces", "relaxed_lattice",
	} {
		assert.Contains(t, m, key)
	}

	// Writing twice yields identical bytes.
	require.NoError(t, props.Write(out))
	b2, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}
