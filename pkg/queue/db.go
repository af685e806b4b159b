package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const driverName = "relaxctl-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// DB is the local SQLite job database.
type DB struct {
	db *sql.DB
}

type DBConfig struct {
	// Path is the database file path; ":memory:" is accepted for tests.
	Path string
}

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

// OpenDB opens (and creates if needed) the job database.
//
// WAL and busy_timeout are applied for predictable CLI behavior when two
// invocations overlap.
func OpenDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("job database path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create job database dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job database: %w", err)
	}

	d := &DB{db: db}
	if err := d.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS jobs (
			jobid TEXT PRIMARY KEY,
			jobname TEXT NOT NULL,
			rundir TEXT NOT NULL,
			jobstatus TEXT NOT NULL,
			taskstatus TEXT NOT NULL,
			submit_time TEXT NOT NULL,
			update_time TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_rundir ON jobs(rundir);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init job database schema: %w", err)
		}
	}
	return nil
}

// Insert records a newly submitted job.
func (d *DB) Insert(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return errors.New("jobid is required")
	}
	now := time.Now().UTC()
	if rec.SubmitTime.IsZero() {
		rec.SubmitTime = now
	}
	if rec.UpdateTime.IsZero() {
		rec.UpdateTime = now
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO jobs (jobid, jobname, rundir, jobstatus, taskstatus, submit_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jobid) DO UPDATE SET
			jobname=excluded.jobname,
			rundir=excluded.rundir,
			jobstatus=excluded.jobstatus,
			taskstatus=excluded.taskstatus,
			update_time=excluded.update_time
	`,
		rec.JobID, rec.Name, rec.RunDir, string(rec.JobStatus), string(rec.TaskStatus),
		rec.SubmitTime.Format(time.RFC3339), rec.UpdateTime.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

// SelectJob loads one job row by id.
func (d *DB) SelectJob(ctx context.Context, jobID string) (*Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT jobid, jobname, rundir, jobstatus, taskstatus, submit_time, update_time
		FROM jobs WHERE jobid = ?
	`, jobID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return rec, nil
}

// SelectByRunDir returns all jobs recorded for a run directory, newest
// submission first.
func (d *DB) SelectByRunDir(ctx context.Context, rundir string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT jobid, jobname, rundir, jobstatus, taskstatus, submit_time, update_time
		FROM jobs WHERE rundir = ? ORDER BY submit_time DESC
	`, rundir)
	if err != nil {
		return nil, fmt.Errorf("select jobs by rundir: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// List returns every job row, newest first.
func (d *DB) List(ctx context.Context) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT jobid, jobname, rundir, jobstatus, taskstatus, submit_time, update_time
		FROM jobs ORDER BY submit_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetTaskStatus updates the wrapper-side task status of a job.
func (d *DB) SetTaskStatus(ctx context.Context, jobID string, status TaskStatus) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE jobs SET taskstatus = ?, update_time = ? WHERE jobid = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetJobStatus updates the scheduler queue state of a job.
func (d *DB) SetJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE jobs SET jobstatus = ?, update_time = ? WHERE jobid = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var jobstatus, taskstatus, submitTime, updateTime string
	if err := row.Scan(&rec.JobID, &rec.Name, &rec.RunDir, &jobstatus, &taskstatus, &submitTime, &updateTime); err != nil {
		return nil, err
	}
	rec.JobStatus = JobStatus(jobstatus)
	rec.TaskStatus = TaskStatus(taskstatus)
	if t, err := time.Parse(time.RFC3339, submitTime); err == nil {
		rec.SubmitTime = t
	}
	if t, err := time.Parse(time.RFC3339, updateTime); err == nil {
		rec.UpdateTime = t
	}
	return &rec, nil
}
