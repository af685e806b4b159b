package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casmkit/relaxctl/internal/observability"
)

var runCmd = &cobra.Command{
	Use:   "run [configdir]",
	Short: "Run the relaxation attempt loop for a configuration",
	Long: `Run relaxation attempts for a configuration until it completes,
stops converging, or hits the run limit. This is what a submitted batch
job executes; it can also be run directly for debugging.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var runAuto bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runAuto, "auto", true, "Update the job database on completion or failure")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	configdir, err := resolveConfigDir(arg)
	if err != nil {
		return exitError(exitInvalidArgument, "invalid configuration directory", err)
	}

	cc, err := newCalcContext(ctx, configdir, runAuto)
	if err != nil {
		return exitError(exitInvalidArgument, "configuration setup failed", err)
	}
	defer cc.close()

	if err := cc.controller.Run(ctx); err != nil {
		log.Error("relaxation failed",
			zap.String("configdir", configdir),
			zap.Error(err))
		return exitError(exitRuntimeFailure, "relaxation failed", err)
	}
	return nil
}
