// Package vaspio parses and writes the VASP file formats the relaxation
// wrapper touches: POSCAR/POS structures, INCAR parameter files, and
// vasprun.xml output.
package vaspio

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Site is one atom in a structure.
type Site struct {
	Occupant string
	Position [3]float64
}

// Poscar is a parsed POSCAR/POS file.
//
// CASM POS files are standard VASP 5 POSCARs with the occupant name carried
// on each coordinate line; both layouts are accepted.
type Poscar struct {
	Comment   string
	Scaling   float64
	Lattice   [3][3]float64
	TypeAtoms []string
	NumAtoms  []int
	CoordMode string
	Basis     []Site
}

// ReadPoscar parses a POSCAR/POS file.
func ReadPoscar(path string) (*Poscar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open POSCAR: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read POSCAR: %w", err)
	}
	p, err := parsePoscar(lines)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

func parsePoscar(lines []string) (*Poscar, error) {
	if len(lines) < 8 {
		return nil, fmt.Errorf("POSCAR too short: %d lines", len(lines))
	}

	p := &Poscar{Comment: lines[0]}

	scaling, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("scaling factor: %w", err)
	}
	p.Scaling = scaling

	for i := 0; i < 3; i++ {
		v, err := parseVec3(lines[2+i])
		if err != nil {
			return nil, fmt.Errorf("lattice row %d: %w", i, err)
		}
		p.Lattice[i] = v
	}

	// Line 5 is species names (VASP 5) or atom counts (VASP 4).
	next := 5
	fields := strings.Fields(lines[next])
	if len(fields) == 0 {
		return nil, fmt.Errorf("missing species/count line")
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		p.TypeAtoms = fields
		next++
		fields = strings.Fields(lines[next])
	}
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("atom count %q: %w", f, err)
		}
		p.NumAtoms = append(p.NumAtoms, n)
	}
	next++

	if len(p.TypeAtoms) == 0 {
		for i := range p.NumAtoms {
			p.TypeAtoms = append(p.TypeAtoms, fmt.Sprintf("X%d", i))
		}
	}
	if len(p.TypeAtoms) != len(p.NumAtoms) {
		return nil, fmt.Errorf("species count mismatch: %d names, %d counts", len(p.TypeAtoms), len(p.NumAtoms))
	}

	// Optional selective dynamics line.
	if next < len(lines) && len(lines[next]) > 0 {
		switch lines[next][0] {
		case 'S', 's':
			next++
		}
	}
	if next >= len(lines) || len(lines[next]) == 0 {
		return nil, fmt.Errorf("missing coordinate mode line")
	}
	switch lines[next][0] {
	case 'D', 'd':
		p.CoordMode = "Direct"
	case 'C', 'c', 'K', 'k':
		p.CoordMode = "Cartesian"
	default:
		return nil, fmt.Errorf("unrecognized coordinate mode: %q", lines[next])
	}
	next++

	total := 0
	for _, n := range p.NumAtoms {
		total += n
	}

	idx := 0
	for ti, n := range p.NumAtoms {
		for j := 0; j < n; j++ {
			if next >= len(lines) {
				return nil, fmt.Errorf("expected %d coordinate lines, got %d", total, idx)
			}
			line := strings.Fields(lines[next])
			if len(line) < 3 {
				return nil, fmt.Errorf("coordinate line %d: %q", idx, lines[next])
			}
			var pos [3]float64
			for k := 0; k < 3; k++ {
				v, err := strconv.ParseFloat(line[k], 64)
				if err != nil {
					return nil, fmt.Errorf("coordinate line %d: %w", idx, err)
				}
				pos[k] = v
			}
			occupant := p.TypeAtoms[ti]
			// CASM POS carries the occupant as the trailing token.
			if last := line[len(line)-1]; len(line) > 3 && isAtomName(last) {
				occupant = last
			}
			p.Basis = append(p.Basis, Site{Occupant: occupant, Position: pos})
			next++
			idx++
		}
	}

	return p, nil
}

func isAtomName(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func parseVec3(line string) ([3]float64, error) {
	fields := strings.Fields(line)
	var v [3]float64
	if len(fields) < 3 {
		return v, fmt.Errorf("expected 3 components, got %d", len(fields))
	}
	for i := 0; i < 3; i++ {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return v, err
		}
		v[i] = x
	}
	return v, nil
}

// NumSites returns the total atom count.
func (p *Poscar) NumSites() int {
	return len(p.Basis)
}

// Volume returns the scaled cell volume. A degenerate lattice gives zero,
// which callers treat as a malformed structure.
func (p *Poscar) Volume() float64 {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.Lattice[i][j])
		}
	}
	s := p.Scaling
	return s * s * s * mat.Det(m)
}

// UnsortPerm returns the permutation from the species-sorted atom ordering
// back to this structure's ordering: unsort[sortedIndex] == originalIndex.
//
// The sorted ordering groups atoms by occupant in first-appearance order,
// stable within a group. Calculations run on the sorted structure; results
// are reported in the original ordering via this permutation.
func (p *Poscar) UnsortPerm() []int {
	order := make(map[string]int)
	var names []string
	for _, s := range p.Basis {
		if _, ok := order[s.Occupant]; !ok {
			order[s.Occupant] = len(names)
			names = append(names, s.Occupant)
		}
	}

	perm := make([]int, len(p.Basis))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return order[p.Basis[perm[a]].Occupant] < order[p.Basis[perm[b]].Occupant]
	})
	return perm
}

// SortPerm is the inverse of UnsortPerm: sort[originalIndex] == sortedIndex.
func (p *Poscar) SortPerm() []int {
	unsort := p.UnsortPerm()
	perm := make([]int, len(unsort))
	for sorted, orig := range unsort {
		perm[orig] = sorted
	}
	return perm
}

// Sorted returns a copy of the structure with atoms grouped by occupant,
// ready to be written as calculation input.
func (p *Poscar) Sorted() *Poscar {
	out := &Poscar{
		Comment:   p.Comment,
		Scaling:   p.Scaling,
		Lattice:   p.Lattice,
		CoordMode: p.CoordMode,
	}
	counts := make(map[string]int)
	for _, idx := range p.UnsortPerm() {
		site := p.Basis[idx]
		out.Basis = append(out.Basis, site)
		if counts[site.Occupant] == 0 {
			out.TypeAtoms = append(out.TypeAtoms, site.Occupant)
		}
		counts[site.Occupant]++
	}
	for _, name := range out.TypeAtoms {
		out.NumAtoms = append(out.NumAtoms, counts[name])
	}
	return out
}

// Write renders the structure as a VASP 5 POSCAR.
func (p *Poscar) Write(path string) error {
	var b strings.Builder
	b.WriteString(p.Comment + "\n")
	fmt.Fprintf(&b, " %.8f\n", p.Scaling)
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, " %18.12f %18.12f %18.12f\n", p.Lattice[i][0], p.Lattice[i][1], p.Lattice[i][2])
	}
	b.WriteString(strings.Join(p.TypeAtoms, " ") + "\n")
	nums := make([]string, len(p.NumAtoms))
	for i, n := range p.NumAtoms {
		nums[i] = strconv.Itoa(n)
	}
	b.WriteString(strings.Join(nums, " ") + "\n")
	b.WriteString(p.CoordMode + "\n")
	for _, s := range p.Basis {
		fmt.Fprintf(&b, " %18.12f %18.12f %18.12f\n", s.Position[0], s.Position[1], s.Position[2])
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
