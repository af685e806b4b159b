package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PBSClient submits jobs with qsub and refreshes their queue state with
// qstat, recording everything in the local job database.
type PBSClient struct {
	db *DB

	// lookup reads environment variables; injectable for tests.
	lookup func(string) (string, bool)

	// runner executes scheduler commands; injectable for tests.
	runner func(ctx context.Context, dir string, name string, args ...string) (string, error)
}

func NewPBSClient(db *DB) *PBSClient {
	return &PBSClient{
		db:     db,
		lookup: os.LookupEnv,
		runner: runCommand,
	}
}

func runCommand(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// SelectByRunDir returns bookkeeping rows for a run directory, refreshing
// the queue state of any row that is not yet complete.
func (c *PBSClient) SelectByRunDir(ctx context.Context, rundir string) ([]Record, error) {
	recs, err := c.db.SelectByRunDir(ctx, rundir)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].JobStatus == StatusComplete {
			continue
		}
		status, err := c.queryStatus(ctx, recs[i].JobID)
		if err != nil {
			// A job qstat no longer knows about has left the queue.
			status = StatusComplete
		}
		if status != recs[i].JobStatus {
			recs[i].JobStatus = status
			_ = c.db.SetJobStatus(ctx, recs[i].JobID, status)
		}
	}
	return recs, nil
}

// Submit writes a job script into the run directory, queues it with qsub,
// and records the new job.
func (c *PBSClient) Submit(ctx context.Context, job Job) (string, error) {
	if strings.TrimSpace(job.RunDir) == "" {
		return "", errors.New("job run directory is required")
	}
	if strings.TrimSpace(job.Command) == "" {
		return "", errors.New("job command is required")
	}

	script := buildScript(job)
	scriptPath := filepath.Join(job.RunDir, fmt.Sprintf("%s.%s.pbs", job.Name, uuid.New().String()[:8]))
	if err := os.WriteFile(scriptPath, []byte(script), 0644); err != nil {
		return "", fmt.Errorf("write job script: %w", err)
	}

	out, err := c.runner(ctx, job.RunDir, "qsub", scriptPath)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	jobID := strings.TrimSpace(out)
	if jobID == "" {
		return "", errors.New("qsub returned no job id")
	}

	rec := Record{
		JobID:      jobID,
		Name:       job.Name,
		RunDir:     job.RunDir,
		JobStatus:  StatusQueued,
		TaskStatus: TaskIncomplete,
		SubmitTime: time.Now().UTC(),
	}
	if err := c.db.Insert(ctx, rec); err != nil {
		return jobID, fmt.Errorf("record submitted job: %w", err)
	}
	return jobID, nil
}

// Complete marks a job's task as complete. An empty jobID resolves to the
// job this process runs inside of.
func (c *PBSClient) Complete(ctx context.Context, jobID string) error {
	id, err := c.resolveJobID(jobID)
	if err != nil {
		return err
	}
	return c.db.SetTaskStatus(ctx, id, TaskComplete)
}

// Error marks a job's task as failed with a reason.
func (c *PBSClient) Error(ctx context.Context, jobID string, reason string) error {
	id, err := c.resolveJobID(jobID)
	if err != nil {
		return err
	}
	return c.db.SetTaskStatus(ctx, id, TaskError(reason))
}

func (c *PBSClient) resolveJobID(jobID string) (string, error) {
	if strings.TrimSpace(jobID) != "" {
		return jobID, nil
	}
	if id, ok := c.lookup("PBS_JOBID"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	return "", errors.New("no job id given and PBS_JOBID is not set")
}

// queryStatus asks qstat for a job's queue state.
//
// Output format (qstat <id>):
//
//	Job id    Name    User   Time Use S Queue
//	--------  ------  -----  -------- - -----
//	12345.srv name    user   00:00:00 R batch
func (c *PBSClient) queryStatus(ctx context.Context, jobID string) (JobStatus, error) {
	out, err := c.runner(ctx, "", "qstat", jobID)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if !strings.HasPrefix(fields[0], strings.SplitN(jobID, ".", 2)[0]) {
			continue
		}
		return JobStatus(fields[4]), nil
	}
	return "", fmt.Errorf("job %s not found in qstat output", jobID)
}

// buildScript renders the PBS submission script. Empty resource fields are
// omitted rather than defaulted.
func buildScript(job Job) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	directive := func(format string, args ...any) {
		b.WriteString("#PBS ")
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\n")
	}

	directive("-N %s", sanitizeJobName(job.Name))
	if job.Account != "" {
		directive("-A %s", job.Account)
	}
	res := fmt.Sprintf("-l nodes=%d:ppn=%d", job.Nodes, job.PPN)
	if job.Walltime != "" {
		res += ",walltime=" + job.Walltime
	}
	if job.Pmem != "" {
		res += ",pmem=" + job.Pmem
	}
	b.WriteString("#PBS " + res + "\n")
	if job.QOS != "" {
		directive("-l qos=%s", job.QOS)
	}
	if job.Queue != "" {
		directive("-q %s", job.Queue)
	}
	if job.Message != "" && job.Email != "" {
		directive("-m %s", job.Message)
		directive("-M %s", job.Email)
	}
	if job.Priority != "" {
		directive("-p %s", job.Priority)
	}
	b.WriteString("#PBS -V\n")
	b.WriteString("\n")
	b.WriteString("cd $PBS_O_WORKDIR\n")
	b.WriteString(job.Command + "\n")
	return b.String()
}

// sanitizeJobName keeps scheduler job names within PBS's 15-char historic
// limit-friendly charset. Dots are allowed; whitespace is not.
func sanitizeJobName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "relax"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
