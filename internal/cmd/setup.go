package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casmkit/relaxctl/internal/observability"
)

var setupCmd = &cobra.Command{
	Use:   "setup [configdir]",
	Short: "Assemble calculation inputs without running",
	Long: `Assemble the calculation directory for a configuration: the
species-sorted POSCAR, the INCAR with parallelism settings injected,
KPOINTS, and any extra input files. Useful for inspecting inputs before
submitting.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	configdir, err := resolveConfigDir(arg)
	if err != nil {
		return exitError(exitInvalidArgument, "invalid configuration directory", err)
	}

	cc, err := newCalcContext(ctx, configdir, false)
	if err != nil {
		return exitError(exitInvalidArgument, "configuration setup failed", err)
	}
	defer cc.close()

	if err := cc.engine.Setup(); err != nil {
		return exitError(exitRuntimeFailure, "setup failed", err)
	}
	observability.CLILogger.Info("calculation inputs assembled",
		zap.String("configdir", configdir),
		zap.String("calctype", cc.calctype))
	return nil
}
