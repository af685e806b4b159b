package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List tracked relaxation jobs",
	Long: `List the contents of the job database: every submitted relaxation
job with its scheduler status and task status.`,
	RunE: runJobs,
}

var jobsJSON bool

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
}

type jobRow struct {
	JobID      string `json:"jobid"`
	Name       string `json:"name"`
	RunDir     string `json:"rundir"`
	JobStatus  string `json:"jobstatus"`
	TaskStatus string `json:"taskstatus"`
	SubmitTime string `json:"submit_time"`
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openJobDB(ctx)
	if err != nil {
		return exitError(exitRuntimeFailure, "job database unavailable", err)
	}
	defer func() { _ = db.Close() }()

	recs, err := db.List(ctx)
	if err != nil {
		return exitError(exitRuntimeFailure, "job listing failed", err)
	}

	rows := make([]jobRow, len(recs))
	for i, rec := range recs {
		rows[i] = jobRow{
			JobID:      rec.JobID,
			Name:       rec.Name,
			RunDir:     rec.RunDir,
			JobStatus:  string(rec.JobStatus),
			TaskStatus: string(rec.TaskStatus),
			SubmitTime: rec.SubmitTime.Format(time.RFC3339),
		}
	}

	if jobsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOBID\tNAME\tSTATUS\tTASK\tSUBMITTED\tRUNDIR")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.JobID, row.Name, row.JobStatus, row.TaskStatus, row.SubmitTime, row.RunDir)
	}
	return w.Flush()
}
