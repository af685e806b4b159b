package vaspio

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Vasprun is the parsed subset of a vasprun.xml file.
//
// Forces, basis, and lattice come from the last ionic step; positions are
// fractional ("Direct") coordinates, which is what vasprun.xml reports.
type Vasprun struct {
	// ElectronicSteps counts SCF iterations per ionic step.
	ElectronicSteps []int
	// NELM is the configured maximum number of SCF iterations.
	NELM int

	Forces      [][3]float64
	Lattice     [3][3]float64
	Basis       [][3]float64
	TotalEnergy float64
	CoordMode   string
}

// ReadVasprun parses a vasprun.xml file.
func ReadVasprun(path string) (*Vasprun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vasprun.xml: %w", err)
	}
	defer func() { _ = f.Close() }()

	v, err := parseVasprun(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// ElectronicallyConverged reports whether the last ionic step's SCF loop
// stopped before exhausting NELM. Hitting NELM means the electronic
// minimization ran out of iterations without converging.
func (v *Vasprun) ElectronicallyConverged() bool {
	if len(v.ElectronicSteps) == 0 || v.NELM <= 0 {
		return false
	}
	return v.ElectronicSteps[len(v.ElectronicSteps)-1] < v.NELM
}

// IonicSteps returns the number of ionic steps performed.
func (v *Vasprun) IonicSteps() int {
	return len(v.ElectronicSteps)
}

func parseVasprun(r io.Reader) (*Vasprun, error) {
	dec := xml.NewDecoder(r)

	out := &Vasprun{CoordMode: "Direct"}

	// Per-calculation scratch; the last calculation wins.
	var (
		stack       []string
		scsteps     int
		inCalc      bool
		inStructure bool
	)

	contains := func(name string) bool {
		for _, s := range stack {
			if s == name {
				return true
			}
		}
		return false
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch name {
			case "calculation":
				inCalc = true
				scsteps = 0
			case "scstep":
				if inCalc {
					scsteps++
				}
			case "structure":
				inStructure = inCalc
			case "i":
				attr := attrValue(t, "name")
				switch {
				case attr == "NELM" && contains("parameters"):
					s, err := readCharData(dec)
					if err != nil {
						return nil, err
					}
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil {
						return nil, fmt.Errorf("NELM: %w", err)
					}
					out.NELM = n
					continue
				case attr == "e_0_energy" && inCalc && !contains("scstep"):
					s, err := readCharData(dec)
					if err != nil {
						return nil, err
					}
					e, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
					if err != nil {
						return nil, fmt.Errorf("e_0_energy: %w", err)
					}
					out.TotalEnergy = e
					continue
				}
			case "varray":
				attr := attrValue(t, "name")
				switch {
				case attr == "forces" && inCalc && !inStructure:
					vecs, err := readVarray(dec)
					if err != nil {
						return nil, fmt.Errorf("forces: %w", err)
					}
					out.Forces = vecs
					continue
				case attr == "basis" && inStructure:
					vecs, err := readVarray(dec)
					if err != nil {
						return nil, fmt.Errorf("lattice basis: %w", err)
					}
					if len(vecs) != 3 {
						return nil, fmt.Errorf("lattice basis: expected 3 rows, got %d", len(vecs))
					}
					for i := 0; i < 3; i++ {
						out.Lattice[i] = vecs[i]
					}
					continue
				case attr == "positions" && inStructure:
					vecs, err := readVarray(dec)
					if err != nil {
						return nil, fmt.Errorf("positions: %w", err)
					}
					out.Basis = vecs
					continue
				}
			}
			stack = append(stack, name)

		case xml.EndElement:
			name := t.Name.Local
			if len(stack) > 0 && stack[len(stack)-1] == name {
				stack = stack[:len(stack)-1]
			}
			switch name {
			case "calculation":
				if inCalc {
					out.ElectronicSteps = append(out.ElectronicSteps, scsteps)
				}
				inCalc = false
			case "structure":
				inStructure = false
			}
		}
	}

	if len(out.ElectronicSteps) == 0 {
		return nil, fmt.Errorf("no completed ionic steps found")
	}
	return out, nil
}

func attrValue(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// readCharData consumes the element's character data through its end tag.
// The element's start tag has already been consumed.
func readCharData(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(t)
		}
	}
	return b.String(), nil
}

// readVarray consumes <v> rows until the enclosing varray closes. The
// varray start tag has already been consumed.
func readVarray(dec *xml.Decoder) ([][3]float64, error) {
	var out [][3]float64
	depth := 1
	var inV bool
	var buf strings.Builder
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == "v" {
				inV = true
				buf.Reset()
			}
		case xml.EndElement:
			depth--
			if t.Name.Local == "v" && inV {
				inV = false
				v, err := parseVec3(buf.String())
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
		case xml.CharData:
			if inV {
				buf.Write(t)
			}
		}
	}
	return out, nil
}

// Converged reports the SCF convergence of the run in rundir by parsing
// its vasprun.xml. This is the convergence check used by finalize.
func Converged(rundir string) (bool, error) {
	v, err := ReadVasprun(vasprunPath(rundir))
	if err != nil {
		return false, err
	}
	return v.ElectronicallyConverged(), nil
}

func vasprunPath(rundir string) string {
	return rundir + string(os.PathSeparator) + "vasprun.xml"
}
