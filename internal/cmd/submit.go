package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casmkit/relaxctl/internal/observability"
)

var submitCmd = &cobra.Command{
	Use:   "submit [configdir...]",
	Short: "Submit relaxation jobs for configurations",
	Long: `Submit a PBS relaxation job for each configuration directory.

A configuration with a job already queued or running is skipped. A
configuration whose relaxation is already complete is finalized instead
of resubmitted.

Example:
  relaxctl submit training_data/SCEL2_2_1_1_0_0_0/3
  relaxctl submit training_data/SCEL*/ */`,
	RunE: runSubmit,
}

var submitAuto bool

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().BoolVar(&submitAuto, "auto", true, "Track the job in the job database")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	if len(args) == 0 {
		args = []string{""}
	}
	for _, arg := range args {
		configdir, err := resolveConfigDir(arg)
		if err != nil {
			return exitError(exitInvalidArgument, "invalid configuration directory", err)
		}

		cc, err := newCalcContext(ctx, configdir, submitAuto)
		if err != nil {
			return exitError(exitInvalidArgument, "configuration setup failed", err)
		}
		err = cc.controller.Submit(ctx)
		cc.close()
		if err != nil {
			log.Error("submit failed",
				zap.String("configdir", configdir),
				zap.Error(err))
			return exitError(exitRuntimeFailure, "submit failed", err)
		}
	}
	return nil
}
