package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/casmkit/relaxctl/pkg/relax"
)

var statusCmd = &cobra.Command{
	Use:   "status [configdir...]",
	Short: "Show relaxation status for configurations",
	Long: `Show the reported status for each configuration directory, plus
the engine's view of the calculation directory on disk.

Example:
  relaxctl status training_data/SCEL2_2_1_1_0_0_0/3
  relaxctl status --json training_data/*/*`,
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

type statusRow struct {
	ConfigDir   string `json:"configdir"`
	Status      string `json:"status"`
	FailureType string `json:"failure_type,omitempty"`
	EngineState string `json:"engine_status"`
	EngineTask  string `json:"engine_task,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 0 {
		args = []string{""}
	}

	var rows []statusRow
	for _, arg := range args {
		configdir, err := resolveConfigDir(arg)
		if err != nil {
			return exitError(exitInvalidArgument, "invalid configuration directory", err)
		}
		cc, err := newCalcContext(ctx, configdir, false)
		if err != nil {
			return exitError(exitInvalidArgument, "configuration setup failed", err)
		}
		row, err := statusFor(cc, configdir)
		cc.close()
		if err != nil {
			return exitError(exitRuntimeFailure, "status failed", err)
		}
		rows = append(rows, row)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, row := range rows {
		line := fmt.Sprintf("%s: %s", row.ConfigDir, row.Status)
		if row.FailureType != "" {
			line += " (" + row.FailureType + ")"
		}
		line += fmt.Sprintf(" [engine: %s", row.EngineState)
		if row.EngineTask != "" {
			line += " " + row.EngineTask
		}
		line += "]"
		fmt.Println(line)
	}
	return nil
}

func statusFor(cc *calcContext, configdir string) (statusRow, error) {
	row := statusRow{ConfigDir: configdir, Status: string(relax.StatusNotSubmitted)}

	calcdir := filepath.Dir(cc.engine.FinalDir())
	b, err := os.ReadFile(filepath.Join(calcdir, relax.StatusFileName))
	if err == nil {
		var m map[string]string
		if err := json.Unmarshal(b, &m); err != nil {
			return row, fmt.Errorf("parse status file: %w", err)
		}
		if s, ok := m["status"]; ok {
			row.Status = s
		}
		row.FailureType = m["failure_type"]
	} else if !os.IsNotExist(err) {
		return row, err
	}

	status, task, err := cc.engine.Status()
	if err != nil {
		return row, err
	}
	row.EngineState = string(status)
	row.EngineTask = string(task)
	return row, nil
}
