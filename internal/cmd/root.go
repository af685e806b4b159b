// Package cmd implements the relaxctl command line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casmkit/relaxctl/internal/config"
	"github.com/casmkit/relaxctl/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)",
		versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}

var (
	cfgFile  string
	logLevel string

	toolCfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "relaxctl",
	Short: "Drive VASP relaxations for CASM configurations",
	Long: `relaxctl orchestrates structural relaxations for CASM cluster
expansion projects: it assembles calculation inputs, submits and tracks
PBS batch jobs, drives the VASP attempt loop, and reports results back
into the project.

Run it from anywhere inside a CASM project.`,
	SilenceUsage:      true,
	PersistentPreRunE: initTool,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to tool config file (default $HOME/.relaxctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
}

func initTool(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	toolCfg = cfg
	return nil
}

// Execute runs the CLI.
func Execute() error {
	defer observability.Sync()
	return rootCmd.ExecuteContext(context.Background())
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// Exit codes for exitError.
const (
	exitInvalidArgument = 2
	exitRuntimeFailure  = 3
)
