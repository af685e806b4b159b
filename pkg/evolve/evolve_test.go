package evolve

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestIndividualJSONRoundTrip(t *testing.T) {
	ind := &Individual{Bits: []bool{true, false, true, true}, Fitness: 0.25, Evaluated: true}

	b, err := json.Marshal(ind)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"bits":"1011"`)

	var back Individual
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, ind.Equal(&back))
	assert.Equal(t, 0.25, back.Fitness)
	assert.True(t, back.Evaluated)
}

func TestNewRandomIndividual(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ind := NewRandomIndividual(20, 3, rng)
	assert.Equal(t, 3, ind.NumOn())
	assert.Len(t, ind.Bits, 20)
}

func TestConstraintsApply(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := Constraints{NumOnMin: 2, NumOnMax: 4, FixOn: []int{0}, FixOff: []int{9}}

	ind := &Individual{Bits: make([]bool, 10)}
	c.Apply(ind, rng)
	assert.True(t, ind.Bits[0])
	assert.False(t, ind.Bits[9])
	assert.GreaterOrEqual(t, ind.NumOn(), 2)

	all := &Individual{Bits: []bool{true, true, true, true, true, true, true, true, true, true}}
	c.Apply(all, rng)
	assert.True(t, all.Bits[0])
	assert.False(t, all.Bits[9])
	assert.LessOrEqual(t, all.NumOn(), 4)
}

func TestCrossoverUniformPreservesColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := &Individual{Bits: []bool{true, true, false, false, true}}
	b := &Individual{Bits: []bool{false, false, true, true, false}}
	crossoverUniform(a, b, 0.5, rng)

	// Each position still holds one true and one false between the pair.
	for i := range a.Bits {
		assert.NotEqual(t, a.Bits[i], b.Bits[i], "position %d", i)
	}
}

func TestSelectTournamentPrefersFitter(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pop := []*Individual{
		{Bits: []bool{true}, Fitness: 5, Evaluated: true},
		{Bits: []bool{false}, Fitness: 1, Evaluated: true},
	}
	// Tournament size equal to the population always includes the best.
	picked := selectTournament(pop, 10, 4, rng)
	for _, ind := range picked {
		assert.Equal(t, 1.0, ind.Fitness)
	}
}

func TestHallOfFame(t *testing.T) {
	h := NewHallOfFame(2)
	h.Update([]*Individual{
		{Bits: []bool{true, false}, Fitness: 3, Evaluated: true},
		{Bits: []bool{false, true}, Fitness: 1, Evaluated: true},
		{Bits: []bool{true, true}, Fitness: 2, Evaluated: true},
		{Bits: []bool{false, false}, Fitness: 9, Evaluated: false}, // unevaluated, ignored
	})
	require.Equal(t, 2, h.Len())
	assert.Equal(t, 1.0, h.Best().Fitness)
	assert.Equal(t, 2.0, h.Individuals()[1].Fitness)

	// Duplicates do not reenter.
	h.Update([]*Individual{{Bits: []bool{false, true}, Fitness: 1, Evaluated: true}})
	assert.Equal(t, 2, h.Len())
}

// syntheticScorer builds least-squares test data where y depends on
// columns 1 and 3 only.
func syntheticScorer(t *testing.T, penalty float64) *LeastSquaresScorer {
	t.Helper()
	rng := rand.New(rand.NewSource(42))

	const rows, cols = 40, 6
	x := mat.NewDense(rows, cols, nil)
	y := make([]float64, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
		y[i] = 2.0*x.At(i, 1) - 1.5*x.At(i, 3)
	}

	s, err := NewLeastSquaresScorer(x, y, 5, penalty)
	require.NoError(t, err)
	return s
}

func TestLeastSquaresScorer(t *testing.T) {
	s := syntheticScorer(t, 0)

	exact := &Individual{Bits: []bool{false, true, false, true, false, false}}
	f, err := s.Score(exact)
	require.NoError(t, err)
	assert.Less(t, f, 1e-8, "noise-free data fits exactly")

	wrong := &Individual{Bits: []bool{true, false, false, false, false, false}}
	fw, err := s.Score(wrong)
	require.NoError(t, err)
	assert.Greater(t, fw, f)

	empty := &Individual{Bits: make([]bool, 6)}
	fe, err := s.Score(empty)
	require.NoError(t, err)
	assert.True(t, math.IsInf(fe, 1))
}

func TestLeastSquaresScorerPenalty(t *testing.T) {
	s := syntheticScorer(t, 0.1)
	exact := &Individual{Bits: []bool{false, true, false, true, false, false}}
	f, err := s.Score(exact)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, f, 1e-6, "penalty of 0.1 per active bit")
}

func testParams(dir string) Params {
	p := DefaultParams()
	p.Npop = 20
	p.Ngen = 5
	p.Nrep = 2
	p.NBasisInit = 2
	p.HallOfFameSize = 5
	p.Dir = dir
	return p
}

func TestGARunFindsSignal(t *testing.T) {
	dir := t.TempDir()
	s := syntheticScorer(t, 0.001)

	p := testParams(dir)
	p.Npop = 30
	p.Ngen = 10
	p.Nrep = 3
	ga := NewGA(p, 6, s,
		WithRand(rand.New(rand.NewSource(1))),
		WithOperatorProbs(3, 0.5, 0.15),
		WithConstraints(Constraints{NumOnMin: 1, NumOnMax: 4}))
	require.NoError(t, ga.Run(context.Background()))

	best := ga.HallOfFame().Best()
	require.NotNil(t, best)
	assert.True(t, best.Bits[1] && best.Bits[3], "true predictors selected: %v", best.Bits)

	assert.FileExists(t, filepath.Join(dir, "population_begin.json"))
	assert.FileExists(t, filepath.Join(dir, "population_end.json"))
	assert.FileExists(t, filepath.Join(dir, "halloffame.json"))

	// Hall is persisted best-first.
	pop, err := loadPopulation(filepath.Join(dir, "halloffame.json"))
	require.NoError(t, err)
	for i := 1; i < len(pop); i++ {
		assert.LessOrEqual(t, pop[i-1].Fitness, pop[i].Fitness)
	}
}

func TestGARunIsDeterministic(t *testing.T) {
	run := func(dir string) []byte {
		s := syntheticScorer(t, 0.001)
		ga := NewGA(testParams(dir), 6, s, WithRand(rand.New(rand.NewSource(99))))
		require.NoError(t, ga.Run(context.Background()))
		b, err := os.ReadFile(filepath.Join(dir, "halloffame.json"))
		require.NoError(t, err)
		return b
	}
	assert.Equal(t, run(t.TempDir()), run(t.TempDir()))
}

func TestGAResumesFromHallOfFame(t *testing.T) {
	dir := t.TempDir()
	seeded := []*Individual{{Bits: []bool{false, true, false, true, false, false}, Fitness: 0.002, Evaluated: true}}
	require.NoError(t, savePopulation(filepath.Join(dir, "halloffame.json"), seeded))

	s := syntheticScorer(t, 0.001)
	ga := NewGA(testParams(dir), 6, s, WithRand(rand.New(rand.NewSource(5))))
	require.NoError(t, ga.Run(context.Background()))

	found := false
	for _, ind := range ga.HallOfFame().Individuals() {
		if ind.Equal(seeded[0]) {
			found = true
		}
	}
	assert.True(t, found, "seeded hall member survives the merge")
}

func TestGARejectsMismatchedPopulation(t *testing.T) {
	dir := t.TempDir()
	bad := []*Individual{{Bits: []bool{true, false}}}
	require.NoError(t, savePopulation(filepath.Join(dir, "population_begin.json"), bad))

	s := syntheticScorer(t, 0)
	ga := NewGA(testParams(dir), 6, s, WithRand(rand.New(rand.NewSource(5))))
	err := ga.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bits")
}
