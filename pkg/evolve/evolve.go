package evolve

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Params configure the evolutionary search.
type Params struct {
	// Npop is the population size.
	Npop int
	// Ngen is the number of generations per repetition; results are
	// persisted after each repetition.
	Ngen int
	// Nrep is the number of repetitions.
	Nrep int
	// NBasisInit is the number of active bits in each random initial
	// individual.
	NBasisInit int

	HallOfFameSize int

	// Population and hall-of-fame files, relative to Dir.
	PopBeginFile   string
	PopEndFile     string
	HallOfFameFile string

	// Dir is where population files live.
	Dir string
}

// DefaultParams mirror the conventional search configuration.
func DefaultParams() Params {
	return Params{
		Npop:           100,
		Ngen:           10,
		Nrep:           100,
		NBasisInit:     1,
		HallOfFameSize: 25,
		PopBeginFile:   "population_begin.json",
		PopEndFile:     "population_end.json",
		HallOfFameFile: "halloffame.json",
	}
}

// GenStats summarize fitness across one generation.
type GenStats struct {
	Gen    int
	Avg    float64
	Std    float64
	Min    float64
	Max    float64
	Nevals int
}

// GA runs the genetic algorithm: tournament selection, uniform crossover,
// flip-bit mutation, constraint repair, and hall-of-fame bookkeeping.
type GA struct {
	params      Params
	constraints Constraints
	scorer      Scorer
	nbasis      int

	// Variation settings. Crossover and mutation are always attempted;
	// the per-bit probabilities shape them.
	tournSize     int
	cxUniformProb float64
	mutFlipProb   float64

	rng *rand.Rand
	log *zap.Logger

	hall *HallOfFame
	pop  []*Individual
}

// GAOption adjusts a GA.
type GAOption func(*GA)

// WithRand injects a random source, for reproducible runs.
func WithRand(rng *rand.Rand) GAOption {
	return func(g *GA) { g.rng = rng }
}

func WithLogger(log *zap.Logger) GAOption {
	return func(g *GA) { g.log = log }
}

// WithOperatorProbs overrides the tournament size and per-bit crossover
// and mutation probabilities.
func WithOperatorProbs(tournSize int, cxUniformProb, mutFlipProb float64) GAOption {
	return func(g *GA) {
		g.tournSize = tournSize
		g.cxUniformProb = cxUniformProb
		g.mutFlipProb = mutFlipProb
	}
}

func WithConstraints(c Constraints) GAOption {
	return func(g *GA) { g.constraints = c }
}

// NewGA builds a search over nbasis candidate basis functions.
func NewGA(params Params, nbasis int, scorer Scorer, opts ...GAOption) *GA {
	g := &GA{
		params:        params,
		scorer:        scorer,
		nbasis:        nbasis,
		tournSize:     3,
		cxUniformProb: 0.5,
		mutFlipProb:   0.01,
		rng:           rand.New(rand.NewSource(rand.Int63())),
		log:           zap.NewNop(),
		hall:          NewHallOfFame(params.HallOfFameSize),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HallOfFame exposes the current hall, best first.
func (g *GA) HallOfFame() *HallOfFame { return g.hall }

// Run performs Nrep repetitions of Ngen generations, persisting the end
// population and the hall of fame after each repetition.
func (g *GA) Run(ctx context.Context) error {
	if err := g.initialize(); err != nil {
		return err
	}
	if err := g.evaluate(g.pop); err != nil {
		return err
	}
	g.hall.Update(g.pop)

	for rep := 0; rep < g.params.Nrep; rep++ {
		g.log.Info("begin repetition",
			zap.Int("rep", rep+1),
			zap.Int("of", g.params.Nrep),
			zap.Int("generations", g.params.Ngen))

		for gen := 0; gen < g.params.Ngen; gen++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats, err := g.generation(gen)
			if err != nil {
				return err
			}
			g.log.Info("generation",
				zap.Int("gen", stats.Gen),
				zap.Int("nevals", stats.Nevals),
				zap.Float64("avg", stats.Avg),
				zap.Float64("std", stats.Std),
				zap.Float64("min", stats.Min),
				zap.Float64("max", stats.Max))
		}

		if err := savePopulation(g.path(g.params.PopEndFile), g.pop); err != nil {
			return err
		}
		if err := g.hall.Save(g.path(g.params.HallOfFameFile)); err != nil {
			return err
		}
		if best := g.hall.Best(); best != nil {
			g.log.Info("repetition complete",
				zap.Int("rep", rep+1),
				zap.Float64("best_fitness", best.Fitness),
				zap.Int("best_size", best.NumOn()))
		}
	}
	return nil
}

// initialize loads persisted state or builds a random population.
func (g *GA) initialize() error {
	hallPath := g.path(g.params.HallOfFameFile)
	if _, err := os.Stat(hallPath); err == nil {
		existing, err := loadPopulation(hallPath)
		if err != nil {
			return err
		}
		g.hall.Update(existing)
		g.log.Info("loaded hall of fame",
			zap.String("path", hallPath),
			zap.Int("size", g.hall.Len()))
	}

	beginPath := g.path(g.params.PopBeginFile)
	if _, err := os.Stat(beginPath); err == nil {
		pop, err := loadPopulation(beginPath)
		if err != nil {
			return err
		}
		for _, ind := range pop {
			if len(ind.Bits) != g.nbasis {
				return fmt.Errorf("population %s: individual has %d bits, expected %d",
					beginPath, len(ind.Bits), g.nbasis)
			}
		}
		g.pop = pop
		g.log.Info("loaded initial population",
			zap.String("path", beginPath),
			zap.Int("size", len(pop)))
		return nil
	}

	g.log.Info("constructing random initial population",
		zap.Int("size", g.params.Npop),
		zap.Int("nbasis", g.nbasis),
		zap.Int("nbasis_init", g.params.NBasisInit))
	g.pop = make([]*Individual, g.params.Npop)
	for i := range g.pop {
		ind := NewRandomIndividual(g.nbasis, g.params.NBasisInit, g.rng)
		g.constraints.Apply(ind, g.rng)
		g.pop[i] = ind
	}
	return savePopulation(beginPath, g.pop)
}

// generation advances the population one step.
func (g *GA) generation(gen int) (GenStats, error) {
	offspring := selectTournament(g.pop, len(g.pop), g.tournSize, g.rng)
	for i, ind := range offspring {
		offspring[i] = ind.Clone()
	}

	for i := 1; i < len(offspring); i += 2 {
		crossoverUniform(offspring[i-1], offspring[i], g.cxUniformProb, g.rng)
		g.constraints.Apply(offspring[i-1], g.rng)
		g.constraints.Apply(offspring[i], g.rng)
		offspring[i-1].Invalidate()
		offspring[i].Invalidate()
	}
	for _, ind := range offspring {
		mutateFlipBit(ind, g.mutFlipProb, g.rng)
		g.constraints.Apply(ind, g.rng)
		ind.Invalidate()
	}

	nevals, err := g.evaluateCount(offspring)
	if err != nil {
		return GenStats{}, err
	}
	g.hall.Update(offspring)
	g.pop = offspring

	fit := make([]float64, len(g.pop))
	for i, ind := range g.pop {
		fit[i] = ind.Fitness
	}
	return GenStats{
		Gen:    gen,
		Avg:    stat.Mean(fit, nil),
		Std:    stat.StdDev(fit, nil),
		Min:    floats.Min(fit),
		Max:    floats.Max(fit),
		Nevals: nevals,
	}, nil
}

func (g *GA) evaluate(pop []*Individual) error {
	_, err := g.evaluateCount(pop)
	return err
}

func (g *GA) evaluateCount(pop []*Individual) (int, error) {
	n := 0
	for _, ind := range pop {
		if ind.Evaluated {
			continue
		}
		f, err := g.scorer.Score(ind)
		if err != nil {
			return n, fmt.Errorf("score individual: %w", err)
		}
		ind.Fitness = f
		ind.Evaluated = true
		n++
	}
	return n, nil
}

func (g *GA) path(name string) string {
	if g.params.Dir == "" {
		return name
	}
	return filepath.Join(g.params.Dir, name)
}
