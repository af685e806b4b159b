// Package evolve selects basis functions for cluster expansion fits with
// a genetic algorithm: individuals are bitmasks over candidate basis
// functions, fitness is cross-validated prediction error plus a size
// penalty, and the best individuals accumulate in a persistent hall of
// fame.
package evolve

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
)

// Individual is a candidate basis function selection.
type Individual struct {
	Bits []bool

	Fitness   float64
	Evaluated bool
}

// NewRandomIndividual turns on nOn random bits out of n.
func NewRandomIndividual(n, nOn int, rng *rand.Rand) *Individual {
	ind := &Individual{Bits: make([]bool, n)}
	for _, i := range rng.Perm(n)[:min(nOn, n)] {
		ind.Bits[i] = true
	}
	return ind
}

// NumOn counts active basis functions.
func (ind *Individual) NumOn() int {
	n := 0
	for _, b := range ind.Bits {
		if b {
			n++
		}
	}
	return n
}

// Indices returns the active bit positions in order.
func (ind *Individual) Indices() []int {
	var out []int
	for i, b := range ind.Bits {
		if b {
			out = append(out, i)
		}
	}
	return out
}

func (ind *Individual) Clone() *Individual {
	out := &Individual{
		Bits:      make([]bool, len(ind.Bits)),
		Fitness:   ind.Fitness,
		Evaluated: ind.Evaluated,
	}
	copy(out.Bits, ind.Bits)
	return out
}

// Invalidate clears the fitness after variation.
func (ind *Individual) Invalidate() {
	ind.Fitness = 0
	ind.Evaluated = false
}

// Equal compares bitmasks, ignoring fitness.
func (ind *Individual) Equal(other *Individual) bool {
	if len(ind.Bits) != len(other.Bits) {
		return false
	}
	for i := range ind.Bits {
		if ind.Bits[i] != other.Bits[i] {
			return false
		}
	}
	return true
}

type individualJSON struct {
	Bits      string  `json:"bits"`
	Fitness   float64 `json:"fitness"`
	Evaluated bool    `json:"evaluated"`
}

func (ind *Individual) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	for _, on := range ind.Bits {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return json.Marshal(individualJSON{
		Bits:      b.String(),
		Fitness:   ind.Fitness,
		Evaluated: ind.Evaluated,
	})
}

func (ind *Individual) UnmarshalJSON(data []byte) error {
	var raw individualJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ind.Bits = make([]bool, len(raw.Bits))
	for i := 0; i < len(raw.Bits); i++ {
		switch raw.Bits[i] {
		case '1':
			ind.Bits[i] = true
		case '0':
		default:
			return fmt.Errorf("bitstring position %d: %q", i, raw.Bits[i])
		}
	}
	ind.Fitness = raw.Fitness
	ind.Evaluated = raw.Evaluated
	return nil
}
