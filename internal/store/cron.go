package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// sortableTimeLayout is a fixed-width UTC encoding for timestamp columns.
// RFC3339Nano trims trailing fractional zeros, which breaks lexical ORDER BY
// and MAX() on the stored strings; padding the fraction keeps string order
// identical to chronological order.
const sortableTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatSortable(t time.Time) string {
	return t.UTC().Format(sortableTimeLayout)
}

// Schedule kinds.
const (
	ScheduleCron  = "cron"  // 5-field cron expression
	ScheduleEvery = "every" // fixed interval
	ScheduleOnce  = "once"  // one-shot at a timestamp
)

// Run statuses.
const (
	RunStatusOK    = "ok"
	RunStatusError = "error"
)

// Validation errors. User-recoverable: their text is surfaced in chat.
var (
	ErrIntervalTooShort = errors.New("interval must be >= 60s")
	ErrDailyCapExceeded = errors.New("cron job creation limit reached for today")
	ErrPastTimestamp    = errors.New("one-shot time must be in the future")
	ErrBadSchedule      = errors.New("malformed schedule")
)

// Schedule describes when a job fires. Exactly one of Expr, EverySeconds,
// or At is meaningful, selected by Kind.
type Schedule struct {
	Kind         string     `json:"kind"`
	Expr         string     `json:"expr,omitempty"`
	EverySeconds int        `json:"every_seconds,omitempty"`
	At           *time.Time `json:"at,omitempty"`
}

// Payload is the tool invocation a job performs when it fires.
type Payload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// CronJob is a durable recurring or one-shot job.
type CronJob struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Schedule  Schedule   `json:"schedule"`
	Payload   Payload    `json:"payload"`
	Isolation string     `json:"isolation"` // main|isolated
	CreatedAt time.Time  `json:"created_at"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`
}

// CronRun is one firing of a job. Append-only; never mutated or deleted.
type CronRun struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Validate checks a schedule against the interval floor. now anchors the
// one-shot future check.
func (sch Schedule) Validate(now time.Time, minInterval time.Duration) error {
	switch sch.Kind {
	case ScheduleEvery:
		if sch.EverySeconds <= 0 {
			return fmt.Errorf("%w: every_seconds must be positive", ErrBadSchedule)
		}
		if time.Duration(sch.EverySeconds)*time.Second < minInterval {
			return ErrIntervalTooShort
		}
	case ScheduleCron:
		parsed, err := cronParser.Parse(sch.Expr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSchedule, err)
		}
		// 5-field cron resolves to whole minutes, but guard against a
		// raised floor in config.
		first := parsed.Next(now)
		second := parsed.Next(first)
		if second.Sub(first) < minInterval {
			return ErrIntervalTooShort
		}
	case ScheduleOnce:
		if sch.At == nil {
			return fmt.Errorf("%w: missing timestamp", ErrBadSchedule)
		}
		if !sch.At.After(now) {
			return ErrPastTimestamp
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadSchedule, sch.Kind)
	}
	return nil
}

// Next computes the first firing strictly after the given time, or nil for
// an exhausted one-shot.
func (sch Schedule) Next(after time.Time) (*time.Time, error) {
	switch sch.Kind {
	case ScheduleEvery:
		next := after.Add(time.Duration(sch.EverySeconds) * time.Second)
		return &next, nil
	case ScheduleCron:
		parsed, err := cronParser.Parse(sch.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSchedule, err)
		}
		next := parsed.Next(after)
		return &next, nil
	case ScheduleOnce:
		if sch.At != nil && sch.At.After(after) {
			return sch.At, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadSchedule, sch.Kind)
	}
}

// AddJob validates and persists a new job. The job is never persisted when
// validation fails. ID, CreatedAt, NextRunAt, and Enabled are filled here.
func (sess *Session) AddJob(ctx context.Context, job *CronJob) error {
	if err := sess.guard(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	s := sess.store

	if err := job.Schedule.Validate(now, s.minInterval); err != nil {
		return err
	}
	count, err := s.CountJobsCreatedSince(ctx, job.OwnerID, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if count >= s.dailyCap {
		return fmt.Errorf("%w (max %d per 24h)", ErrDailyCapExceeded, s.dailyCap)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Isolation == "" {
		job.Isolation = "isolated"
	}
	job.CreatedAt = now
	job.Enabled = true
	next, err := job.Schedule.Next(now)
	if err != nil {
		return err
	}
	job.NextRunAt = next

	return sess.insertJob(ctx, job)
}

// UpdateJob validates the new schedule/payload and replaces the stored job.
// Updates do not count against the daily creation cap.
func (sess *Session) UpdateJob(ctx context.Context, job *CronJob) error {
	if err := sess.guard(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()

	existing, err := sess.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if existing.OwnerID != job.OwnerID {
		return ErrNotFound
	}
	if err := job.Schedule.Validate(now, sess.store.minInterval); err != nil {
		return err
	}
	job.CreatedAt = existing.CreatedAt
	job.Enabled = true
	next, err := job.Schedule.Next(now)
	if err != nil {
		return err
	}
	job.NextRunAt = next

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	res, err := sess.exec(ctx,
		`UPDATE cron_jobs SET job_json = ? WHERE id = ? AND owner_id = ?;`,
		string(raw), job.ID, job.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveJob deletes a job. Its runs are kept: cron_runs is append-only.
func (sess *Session) RemoveJob(ctx context.Context, ownerID, jobID string) error {
	res, err := sess.exec(ctx, `DELETE FROM cron_jobs WHERE id = ? AND owner_id = ?;`, jobID, ownerID)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceJob records the post-firing state: the next occurrence, or
// disabled for an exhausted one-shot.
func (sess *Session) AdvanceJob(ctx context.Context, job *CronJob, firedAt time.Time) error {
	next, err := job.Schedule.Next(firedAt)
	if err != nil {
		return err
	}
	job.NextRunAt = next
	job.Enabled = next != nil

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := sess.exec(ctx,
		`UPDATE cron_jobs SET job_json = ? WHERE id = ?;`,
		string(raw), job.ID,
	); err != nil {
		return fmt.Errorf("advance job: %w", err)
	}
	return nil
}

// RecordRun appends exactly one run row for a firing. Timestamps are kept
// strictly increasing per job even under clock skew.
func (sess *Session) RecordRun(ctx context.Context, run *CronRun) error {
	if err := sess.guard(ctx); err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}
	last, err := sess.store.LastRunAt(ctx, run.JobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && !run.Timestamp.After(last) {
		run.Timestamp = last.Add(time.Millisecond)
	}

	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := sess.exec(ctx,
		`INSERT INTO cron_runs (id, job_id, timestamp, run_json) VALUES (?, ?, ?, ?);`,
		run.ID, run.JobID, formatSortable(run.Timestamp), string(raw),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (sess *Session) insertJob(ctx context.Context, job *CronJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := sess.exec(ctx,
		`INSERT INTO cron_jobs (id, owner_id, created_at, job_json) VALUES (?, ?, ?, ?);`,
		job.ID, job.OwnerID, formatSortable(job.CreatedAt), string(raw),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*CronJob, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT job_json FROM cron_jobs WHERE id = ?;`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	var job CronJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListJobs returns all jobs for an owner, oldest first.
func (s *Store) ListJobs(ctx context.Context, ownerID string) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_json FROM cron_jobs WHERE owner_id = ? ORDER BY created_at, id;`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// DueJobs returns enabled jobs whose next run is at or before now.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_json FROM cron_jobs ORDER BY created_at, id;`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	due := jobs[:0]
	for _, job := range jobs {
		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	return due, nil
}

// CountJobsCreatedSince counts an owner's job creations in the rolling window.
func (s *Store) CountJobsCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cron_jobs WHERE owner_id = ? AND created_at >= ?;`,
		ownerID, formatSortable(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// ListRuns returns runs for a job, oldest first.
func (s *Store) ListRuns(ctx context.Context, jobID string, limit int) ([]CronRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_json FROM cron_runs WHERE job_id = ? ORDER BY timestamp LIMIT ?;`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []CronRun
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run CronRun
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastRunAt returns the timestamp of the most recent run for a job;
// ErrNotFound if the job has never fired.
func (s *Store) LastRunAt(ctx context.Context, jobID string) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM cron_runs WHERE job_id = ?;`, jobID).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last run: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, ErrNotFound
	}
	ts, err := time.Parse(sortableTimeLayout, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last run timestamp: %w", err)
	}
	return ts, nil
}

// CountJobs returns the total number of jobs in the store.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_jobs;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

func scanJobs(rows *sql.Rows) ([]CronJob, error) {
	var jobs []CronJob
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job CronJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
