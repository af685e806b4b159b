// Package queue tracks batch jobs submitted for calculation directories
// and talks to the PBS scheduler.
//
// The local job database is bookkeeping only: the scheduler owns the truth
// about queue state, and the check-then-submit dedupe in the wrapper is
// best effort, not mutual exclusion.
package queue

import (
	"context"
	"time"
)

// JobStatus is a scheduler queue state, as reported by qstat.
type JobStatus string

const (
	StatusComplete JobStatus = "C"
	StatusQueued   JobStatus = "Q"
	StatusRunning  JobStatus = "R"
	StatusExiting  JobStatus = "E"
	StatusWaiting  JobStatus = "W"
	StatusHeld     JobStatus = "H"
	StatusMoved    JobStatus = "M"
)

// TaskStatus is the wrapper-side view of what a job accomplished.
type TaskStatus string

const (
	TaskIncomplete TaskStatus = "Incomplete"
	TaskComplete   TaskStatus = "Complete"
	TaskContinued  TaskStatus = "Continued"
	TaskCheck      TaskStatus = "Check"
	TaskAborted    TaskStatus = "Aborted"
)

// TaskError marks a job whose task failed; the reason rides along.
func TaskError(reason string) TaskStatus {
	return TaskStatus("Error: " + reason)
}

// Job describes one batch submission. All resource fields are opaque to
// this package and formatted into scheduler directives verbatim.
type Job struct {
	Name     string
	Account  string
	Nodes    int
	PPN      int
	Walltime string
	Pmem     string
	QOS      string
	Queue    string
	Message  string
	Email    string
	Priority string
	RunDir   string
	Command  string
}

// Record is the persisted bookkeeping row for one submitted job.
type Record struct {
	JobID      string
	Name       string
	RunDir     string
	JobStatus  JobStatus
	TaskStatus TaskStatus
	SubmitTime time.Time
	UpdateTime time.Time
}

// Client is the job queue capability consumed by the relaxation wrapper.
//
// Complete and Error are bookkeeping updates; callers treat their failure
// as non-fatal.
type Client interface {
	// SelectByRunDir returns all known jobs for a run directory.
	SelectByRunDir(ctx context.Context, rundir string) ([]Record, error)

	// Submit queues a job and records it, returning the scheduler job id.
	Submit(ctx context.Context, job Job) (string, error)

	// Complete marks a job's task as complete. An empty jobID means the
	// job this process is running inside of ($PBS_JOBID).
	Complete(ctx context.Context, jobID string) error

	// Error marks a job's task as failed with a reason.
	Error(ctx context.Context, jobID string, reason string) error
}
