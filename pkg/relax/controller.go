package relax

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/casmkit/relaxctl/pkg/queue"
	"github.com/casmkit/relaxctl/pkg/settings"
	"github.com/casmkit/relaxctl/pkg/vasp/vaspio"
)

// Engine is the relaxation engine capability the controller drives.
type Engine interface {
	// Status derives the current (status, task) pair without side effects.
	Status() (EngineStatus, EngineTask, error)
	// Run performs relaxation attempts and returns the updated pair.
	Run(ctx context.Context) (EngineStatus, EngineTask, error)
	// Setup assembles calculation input files.
	Setup() error
	// RunDirs lists the numbered run directories, oldest first.
	RunDirs() []string
	// FinalDir is the fixed-volume run directory path.
	FinalDir() string
}

// Convergence checks the electronic convergence of one run directory.
type Convergence interface {
	Converged(rundir string) (bool, error)
}

// ConvergenceFunc adapts a plain function to the Convergence interface.
type ConvergenceFunc func(rundir string) (bool, error)

func (f ConvergenceFunc) Converged(rundir string) (bool, error) {
	return f(rundir)
}

// Config carries the project-resolved paths and submission parameters for
// one calculation directory.
type Config struct {
	// ConfigDir is the configuration directory holding POS.
	ConfigDir string
	// CalcDir is the calculation directory, <configdir>/calctype.<name>.
	CalcDir string
	// PosPath is the configuration's reference structure (POS).
	PosPath string
	// SettingsCopyDir receives the settings copy on a run-limit failure.
	SettingsCopyDir string
	// JobName names submitted batch jobs.
	JobName string
	// JobCommand is the shell command a submitted batch job runs.
	JobCommand string
	// Auto enables job-database bookkeeping on completion and error.
	Auto bool
}

// Controller is the relaxation status controller for one calculation
// directory. One invocation inspects status, performs at most one
// transition, and persists the outcome.
type Controller struct {
	cfg    Config
	raw    *settings.Raw
	st     settings.Resolved
	engine Engine
	qc     queue.Client
	conv   Convergence
	log    *zap.Logger
}

func NewController(cfg Config, raw *settings.Raw, st settings.Resolved, engine Engine, qc queue.Client, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		raw:    raw,
		st:     st,
		engine: engine,
		qc:     qc,
		conv:   ConvergenceFunc(vaspio.Converged),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Option func(*Controller)

// WithConvergence overrides the convergence reader.
func WithConvergence(conv Convergence) Option {
	return func(c *Controller) { c.conv = conv }
}

// WithLogger attaches a logger; queue bookkeeping failures are reported
// here and nowhere else.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// Submit queues a batch job for this calculation unless one is already
// active or the calculation has nothing left to do. Safe to call
// repeatedly; duplicate submission is avoided on a best-effort basis.
func (c *Controller) Submit(ctx context.Context) error {
	recs, err := c.qc.SelectByRunDir(ctx, c.cfg.CalcDir)
	if err != nil {
		return fmt.Errorf("query job database: %w", err)
	}
	for _, rec := range recs {
		if rec.JobStatus != queue.StatusComplete {
			c.log.Info("job already in queue, not submitting",
				zap.String("job_id", rec.JobID),
				zap.String("job_status", string(rec.JobStatus)))
			return nil
		}
	}

	status, task, err := c.engine.Status()
	if err != nil {
		return err
	}

	switch status {
	case EngineComplete:
		c.log.Info("relaxation already complete, not submitting")
		if c.cfg.Auto {
			for _, rec := range recs {
				if rec.TaskStatus != queue.TaskIncomplete {
					continue
				}
				if err := c.qc.Complete(ctx, rec.JobID); err != nil {
					c.log.Warn("job database completion update failed",
						zap.String("job_id", rec.JobID), zap.Error(err))
				}
			}
		}
		if _, err := os.Stat(c.propertiesPath()); os.IsNotExist(err) {
			return c.Finalize(ctx)
		}
		return nil

	case EngineNotConverging:
		c.log.Info("relaxation is not converging, not submitting")
		return nil

	case EngineIncomplete:
		// fall through to submission

	default:
		if err := c.ReportStatus(StatusFailed, FailureUnknown); err != nil {
			return err
		}
		return &UnexpectedStatusError{Status: status, Task: task}
	}

	pos, err := vaspio.ReadPoscar(c.cfg.PosPath)
	if err != nil {
		return fmt.Errorf("count atoms: %w", err)
	}
	nodes := nodeCount(pos.NumSites(), c.st.AtomPerProc, c.st.PPN)

	job := queue.Job{
		Name:     c.cfg.JobName,
		Account:  c.st.Account,
		Nodes:    nodes,
		PPN:      c.st.PPN,
		Walltime: c.st.Walltime,
		Pmem:     c.st.Pmem,
		QOS:      c.st.QOS,
		Queue:    c.st.Queue,
		Message:  c.st.Message,
		Email:    c.st.Email,
		Priority: c.st.Priority,
		RunDir:   c.cfg.CalcDir,
		Command:  c.cfg.JobCommand,
	}
	jobID, err := c.qc.Submit(ctx, job)
	if err != nil {
		return fmt.Errorf("submit relaxation job: %w", err)
	}
	c.log.Info("submitted relaxation job",
		zap.String("job_id", jobID),
		zap.Int("nodes", nodes),
		zap.String("calcdir", c.cfg.CalcDir))

	return c.ReportStatus(StatusSubmitted, FailureNone)
}

// Run executes the relaxation inside a batch job: set up inputs when
// needed, drive the engine's attempt loop, and classify the outcome.
func (c *Controller) Run(ctx context.Context) error {
	status, task, err := c.engine.Status()
	if err != nil {
		return err
	}

	switch status {
	case EngineComplete:
		c.markComplete(ctx)
		return c.Finalize(ctx)

	case EngineNotConverging:
		c.log.Warn("relaxation is not converging")
		return c.ReportStatus(StatusFailed, FailureRunLimit)

	case EngineIncomplete:
		if task == TaskSetup {
			if err := c.engine.Setup(); err != nil {
				return err
			}
		}
		if err := c.ReportStatus(StatusStarted, FailureNone); err != nil {
			return err
		}
		status, task, err = c.engine.Run(ctx)
		if err != nil {
			return err
		}

	default:
		if err := c.ReportStatus(StatusFailed, FailureUnknown); err != nil {
			return err
		}
		return &UnexpectedStatusError{Status: status, Task: task}
	}

	// Classify what the attempt loop left behind.
	switch status {
	case EngineNotConverging:
		if c.cfg.Auto {
			if err := c.qc.Error(ctx, "", "Not converging"); err != nil {
				c.log.Warn("job database error update failed", zap.Error(err))
			}
		}
		if err := c.ReportStatus(StatusFailed, FailureRunLimit); err != nil {
			return err
		}
		// Leave a settings copy behind so run_limit can be raised and
		// the calculation resubmitted.
		copyPath := filepath.Join(c.cfg.SettingsCopyDir, SettingsCopyFileName)
		if err := settings.Write(c.raw, copyPath); err != nil {
			return fmt.Errorf("write settings copy: %w", err)
		}
		c.log.Warn("relaxation hit the run limit",
			zap.String("settings_copy", copyPath))
		return nil

	case EngineComplete:
		c.markComplete(ctx)
		return c.Finalize(ctx)

	default:
		if err := c.ReportStatus(StatusFailed, FailureUnknown); err != nil {
			return err
		}
		return &UnexpectedStatusError{Status: status, Task: task}
	}
}

// markComplete updates job-database bookkeeping for the surrounding batch
// job. Failures are logged and swallowed: the status record matters more
// than the bookkeeping.
func (c *Controller) markComplete(ctx context.Context) {
	if !c.cfg.Auto {
		return
	}
	if err := c.qc.Complete(ctx, ""); err != nil {
		c.log.Warn("job database completion update failed", zap.Error(err))
	}
}

// Finalize verifies electronic convergence of the last relaxation run and
// the fixed-volume run, then writes the properties report. A convergence
// failure is a terminal classification, not an error.
func (c *Controller) Finalize(ctx context.Context) error {
	_ = ctx

	if ok, err := c.lastRunConverged(); err != nil {
		return err
	} else if !ok {
		c.log.Warn("last relaxation run failed to achieve electronic convergence")
		return c.ReportStatus(StatusFailed, FailureElectronicConvergence)
	}

	finalOK, err := c.conv.Converged(c.engine.FinalDir())
	if err != nil {
		return fmt.Errorf("check final run convergence: %w", err)
	}
	if !finalOK {
		c.log.Warn("final run failed to achieve electronic convergence")
		return c.ReportStatus(StatusFailed, FailureElectronicConvergence)
	}

	if err := c.writeProperties(); err != nil {
		return err
	}
	return c.ReportStatus(StatusComplete, FailureNone)
}

// lastRunConverged checks the newest relaxation run whose output is
// readable. Older runs are skipped, not failed: a run superseded by a
// later one no longer matters.
func (c *Controller) lastRunConverged() (bool, error) {
	dirs := c.engine.RunDirs()
	for i := len(dirs) - 1; i >= 0; i-- {
		rundir := filepath.Join(c.cfg.CalcDir, dirs[i])
		ok, err := c.conv.Converged(rundir)
		if err != nil {
			continue
		}
		return ok, nil
	}
	// No readable relaxation run: rely on the final-run check alone.
	return true, nil
}

// ReportStatus overwrites the status record. The write is unconditional
// and byte-stable for identical inputs.
func (c *Controller) ReportStatus(status RunStatus, failure FailureType) error {
	record := map[string]string{"status": string(status)}
	if failure != FailureNone {
		record["failure_type"] = string(failure)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	b = append(b, '\n')

	path := filepath.Join(c.cfg.CalcDir, StatusFileName)
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	c.log.Debug("wrote status record",
		zap.String("path", path),
		zap.String("status", string(status)))
	return nil
}

func (c *Controller) propertiesPath() string {
	return filepath.Join(c.cfg.CalcDir, PropertiesFileName)
}

// nodeCount sizes a submission: ceil(atoms / atomsPerProc / ppn), with a
// floor of one node.
func nodeCount(atoms int, atomsPerProc float64, ppn int) int {
	if atomsPerProc <= 0 || ppn <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(atoms) / atomsPerProc / float64(ppn)))
	if n < 1 {
		return 1
	}
	return n
}
