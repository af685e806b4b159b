package evolve

import "math/rand"

// Constraints keep individuals inside the allowed selection space. They
// are re-applied after every crossover and mutation.
type Constraints struct {
	// NumOnMin and NumOnMax bound the active bit count. Zero NumOnMax
	// means unbounded.
	NumOnMin int
	NumOnMax int
	// FixOn bits are always active, FixOff bits never are.
	FixOn  []int
	FixOff []int
}

// Apply repairs an individual in place.
func (c Constraints) Apply(ind *Individual, rng *rand.Rand) {
	for _, i := range c.FixOn {
		if i >= 0 && i < len(ind.Bits) {
			ind.Bits[i] = true
		}
	}
	for _, i := range c.FixOff {
		if i >= 0 && i < len(ind.Bits) {
			ind.Bits[i] = false
		}
	}

	fixedOff := make(map[int]bool, len(c.FixOff))
	for _, i := range c.FixOff {
		fixedOff[i] = true
	}
	fixedOn := make(map[int]bool, len(c.FixOn))
	for _, i := range c.FixOn {
		fixedOn[i] = true
	}

	// Too few on: activate random eligible bits. Too many: deactivate.
	if c.NumOnMin > 0 {
		for _, i := range rng.Perm(len(ind.Bits)) {
			if ind.NumOn() >= c.NumOnMin {
				break
			}
			if !ind.Bits[i] && !fixedOff[i] {
				ind.Bits[i] = true
			}
		}
	}
	if c.NumOnMax > 0 {
		for _, i := range rng.Perm(len(ind.Bits)) {
			if ind.NumOn() <= c.NumOnMax {
				break
			}
			if ind.Bits[i] && !fixedOn[i] {
				ind.Bits[i] = false
			}
		}
	}
}

// selectTournament picks k individuals, each the fittest of a random
// tournament. Lower fitness wins.
func selectTournament(pop []*Individual, k, size int, rng *rand.Rand) []*Individual {
	out := make([]*Individual, 0, k)
	for i := 0; i < k; i++ {
		best := pop[rng.Intn(len(pop))]
		for j := 1; j < size; j++ {
			c := pop[rng.Intn(len(pop))]
			if c.Fitness < best.Fitness {
				best = c
			}
		}
		out = append(out, best)
	}
	return out
}

// crossoverUniform swaps each bit pair with probability p, in place.
func crossoverUniform(a, b *Individual, p float64, rng *rand.Rand) {
	for i := range a.Bits {
		if rng.Float64() < p {
			a.Bits[i], b.Bits[i] = b.Bits[i], a.Bits[i]
		}
	}
}

// mutateFlipBit flips each bit with probability p, in place.
func mutateFlipBit(ind *Individual, p float64, rng *rand.Rand) {
	for i := range ind.Bits {
		if rng.Float64() < p {
			ind.Bits[i] = !ind.Bits[i]
		}
	}
}
