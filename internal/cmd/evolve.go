package cmd

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/casmkit/relaxctl/internal/observability"
	"github.com/casmkit/relaxctl/pkg/evolve"
	"github.com/casmkit/relaxctl/pkg/project"
	"github.com/casmkit/relaxctl/pkg/query"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Select basis functions with a genetic algorithm",
	Long: `Run genetic-algorithm basis function selection against calculated
configurations. Correlations and target energies are pulled with casm
query; the hall of fame of best selections is kept in JSON files and
merged across runs.

Example:
  relaxctl evolve --nbasis 50 --selection CALCULATED
  relaxctl evolve --nbasis 50 --ngen 20 --nrep 10 --penalty 0.001`,
	RunE: runEvolve,
}

var (
	evolveNBasis    int
	evolveSelection string
	evolveEnergyKey string
	evolveNpop      int
	evolveNgen      int
	evolveNrep      int
	evolveNInit     int
	evolveHallSize  int
	evolvePenalty   float64
	evolveFolds     int
	evolveDir       string
	evolveSeed      int64
	evolveMinOn     int
	evolveMaxOn     int
)

func init() {
	rootCmd.AddCommand(evolveCmd)

	evolveCmd.Flags().IntVar(&evolveNBasis, "nbasis", 0, "Number of candidate basis functions (required)")
	evolveCmd.Flags().StringVar(&evolveSelection, "selection", "CALCULATED", "Configuration selection to fit against")
	evolveCmd.Flags().StringVar(&evolveEnergyKey, "energy", "formation_energy", "Query key for the target property")
	evolveCmd.Flags().IntVar(&evolveNpop, "npop", 100, "Population size")
	evolveCmd.Flags().IntVar(&evolveNgen, "ngen", 10, "Generations per repetition")
	evolveCmd.Flags().IntVar(&evolveNrep, "nrep", 100, "Repetitions")
	evolveCmd.Flags().IntVar(&evolveNInit, "nbasis-init", 1, "Active basis functions per random initial individual")
	evolveCmd.Flags().IntVar(&evolveHallSize, "hall-size", 25, "Hall of fame size")
	evolveCmd.Flags().Float64Var(&evolvePenalty, "penalty", 0.0, "Fitness penalty per active basis function")
	evolveCmd.Flags().IntVar(&evolveFolds, "cv", 10, "Cross-validation folds")
	evolveCmd.Flags().StringVar(&evolveDir, "dir", ".", "Directory for population and hall-of-fame files")
	evolveCmd.Flags().Int64Var(&evolveSeed, "seed", 0, "Random seed (0 uses a random one)")
	evolveCmd.Flags().IntVar(&evolveMinOn, "min-on", 1, "Minimum active basis functions")
	evolveCmd.Flags().IntVar(&evolveMaxOn, "max-on", 0, "Maximum active basis functions (0 = unbounded)")

	_ = evolveCmd.MarkFlagRequired("nbasis")
}

func runEvolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	if evolveNBasis <= 0 {
		return exitError(exitInvalidArgument, "invalid arguments", fmt.Errorf("--nbasis must be positive"))
	}

	root, err := project.Path("")
	if err != nil {
		return exitError(exitInvalidArgument, "project lookup failed", err)
	}

	x, y, err := loadFitData(cmd, root)
	if err != nil {
		return exitError(exitRuntimeFailure, "fit data query failed", err)
	}
	scorer, err := evolve.NewLeastSquaresScorer(x, y, evolveFolds, evolvePenalty)
	if err != nil {
		return exitError(exitInvalidArgument, "invalid fit data", err)
	}

	params := evolve.Params{
		Npop:           evolveNpop,
		Ngen:           evolveNgen,
		Nrep:           evolveNrep,
		NBasisInit:     evolveNInit,
		HallOfFameSize: evolveHallSize,
		PopBeginFile:   "population_begin.json",
		PopEndFile:     "population_end.json",
		HallOfFameFile: "halloffame.json",
		Dir:            evolveDir,
	}

	opts := []evolve.GAOption{
		evolve.WithLogger(log),
		evolve.WithConstraints(evolve.Constraints{NumOnMin: evolveMinOn, NumOnMax: evolveMaxOn}),
	}
	if evolveSeed != 0 {
		opts = append(opts, evolve.WithRand(rand.New(rand.NewSource(evolveSeed))))
	}

	ga := evolve.NewGA(params, evolveNBasis, scorer, opts...)
	if err := ga.Run(ctx); err != nil {
		return exitError(exitRuntimeFailure, "evolution failed", err)
	}

	if best := ga.HallOfFame().Best(); best != nil {
		log.Info("best selection",
			zap.Float64("fitness", best.Fitness),
			zap.Int("size", best.NumOn()),
			zap.Ints("basis_functions", best.Indices()))
	}
	return nil
}

// loadFitData queries correlations and the target property for the
// selected configurations.
func loadFitData(cmd *cobra.Command, root string) (*mat.Dense, []float64, error) {
	ctx := cmd.Context()

	columns := make([]string, 0, evolveNBasis+1)
	for i := 0; i < evolveNBasis; i++ {
		columns = append(columns, fmt.Sprintf("corr(%d)", i))
	}
	columns = append(columns, evolveEnergyKey)

	client := query.NewClient(toolCfg.Casm.Exe, root)
	opts := query.DefaultOptions()
	opts.Selection = evolveSelection
	table, err := client.Query(ctx, columns, opts)
	if err != nil {
		return nil, nil, err
	}

	y, err := table.Floats(evolveEnergyKey)
	if err != nil {
		return nil, nil, err
	}
	x := mat.NewDense(len(table.Rows), evolveNBasis, nil)
	for j := 0; j < evolveNBasis; j++ {
		col, err := table.Floats(fmt.Sprintf("corr(%d)", j))
		if err != nil {
			return nil, nil, err
		}
		for i, v := range col {
			x.Set(i, j, v)
		}
	}
	return x, y, nil
}
