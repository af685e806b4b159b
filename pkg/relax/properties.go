package relax

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/casmkit/relaxctl/pkg/vasp/vaspio"
)

// Properties is the results report written on successful finalize.
// Forces and basis are reported in the configuration's original atom
// ordering, not the species-sorted ordering the calculation ran with.
type Properties struct {
	AtomType      []string     `json:"atom_type"`
	AtomsPerType  []int        `json:"atoms_per_type"`
	CoordMode     string       `json:"coord_mode"`
	RelaxedBasis  [][3]float64 `json:"relaxed_basis"`
	RelaxedEnergy float64      `json:"relaxed_energy"`
	RelaxedForces [][3]float64 `json:"relaxed_forces"`
	RelaxedLatt   [][3]float64 `json:"relaxed_lattice"`
}

// BuildProperties assembles the report from a finished run directory and
// the configuration's reference structure.
func BuildProperties(rundir string, pos *vaspio.Poscar) (*Properties, error) {
	vrun, err := vaspio.ReadVasprun(filepath.Join(rundir, "vasprun.xml"))
	if err != nil {
		return nil, fmt.Errorf("read relaxation output: %w", err)
	}

	n := pos.NumSites()
	if len(vrun.Forces) != n || len(vrun.Basis) != n {
		return nil, fmt.Errorf("atom count mismatch: structure has %d, output has %d forces and %d positions",
			n, len(vrun.Forces), len(vrun.Basis))
	}

	unsort := pos.UnsortPerm()

	out := &Properties{
		AtomType:      pos.TypeAtoms,
		AtomsPerType:  pos.NumAtoms,
		CoordMode:     vrun.CoordMode,
		RelaxedBasis:  make([][3]float64, n),
		RelaxedEnergy: vrun.TotalEnergy,
		RelaxedForces: make([][3]float64, n),
		RelaxedLatt:   make([][3]float64, 3),
	}
	for sorted, orig := range unsort {
		out.RelaxedForces[orig] = vrun.Forces[sorted]
		out.RelaxedBasis[orig] = vrun.Basis[sorted]
	}
	for i := 0; i < 3; i++ {
		out.RelaxedLatt[i] = vrun.Lattice[i]
	}
	return out, nil
}

// Write persists the report as sorted, pretty-printed JSON.
func (p *Properties) Write(path string) error {
	// Marshal through a map so keys come out sorted.
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("sort properties keys: %w", err)
	}
	b, err = json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	b = append(b, '\n')

	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	return nil
}

func (c *Controller) writeProperties() error {
	pos, err := vaspio.ReadPoscar(c.cfg.PosPath)
	if err != nil {
		return fmt.Errorf("read reference structure: %w", err)
	}
	props, err := BuildProperties(c.engine.FinalDir(), pos)
	if err != nil {
		return err
	}
	if err := props.Write(c.propertiesPath()); err != nil {
		return err
	}
	c.log.Info("wrote properties report", zap.String("path", c.propertiesPath()))
	return nil
}
