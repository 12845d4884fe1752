package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// metaKeyLegacyImport gates the one-time flat-file import.
const metaKeyLegacyImport = "legacy_import_done"

// legacyJob is the flat-file job representation: jobs.json holds an array
// of these.
type legacyJob struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Schedule  Schedule       `json:"schedule"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Isolation string         `json:"isolation,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// legacyRun is one line of runs/<jobId>.jsonl.
type legacyRun struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// MigrateLegacy imports the legacy flat-file layout (jobs.json plus
// runs/<jobId>.jsonl) into the store, once. The import is skipped (but the
// flag still set) when it already ran or when the store already has jobs.
// Legacy files are never deleted, so rollback stays possible.
func MigrateLegacy(ctx context.Context, sess *Session, legacyDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	s := sess.Store()

	if _, err := s.GetMeta(ctx, metaKeyLegacyImport); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	count, err := s.CountJobs(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		logger.Info("legacy import skipped: store already has jobs", "jobs", count)
		return sess.SetMeta(ctx, metaKeyLegacyImport, "skipped")
	}

	jobsPath := filepath.Join(legacyDir, "jobs.json")
	data, err := os.ReadFile(jobsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return sess.SetMeta(ctx, metaKeyLegacyImport, "empty")
		}
		return fmt.Errorf("read legacy jobs: %w", err)
	}

	var legacy []legacyJob
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy jobs.json: %w", err)
	}

	imported := 0
	for _, lj := range legacy {
		job := CronJob{
			ID:        lj.ID,
			OwnerID:   lj.Owner,
			Schedule:  lj.Schedule,
			Payload:   Payload{Tool: lj.Tool, Args: lj.Args},
			Isolation: lj.Isolation,
			CreatedAt: lj.CreatedAt,
			Enabled:   true,
		}
		if job.ID == "" || job.OwnerID == "" {
			logger.Warn("legacy job missing id or owner, skipping")
			continue
		}
		if job.Isolation == "" {
			job.Isolation = "isolated"
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		next, err := job.Schedule.Next(time.Now().UTC())
		if err != nil {
			logger.Warn("legacy job has malformed schedule, skipping", "job_id", job.ID, "error", err)
			continue
		}
		job.NextRunAt = next
		job.Enabled = next != nil

		if err := sess.insertJob(ctx, &job); err != nil {
			return fmt.Errorf("import legacy job %s: %w", job.ID, err)
		}
		imported++

		if err := importLegacyRuns(ctx, sess, legacyDir, job.ID, logger); err != nil {
			return err
		}
	}

	logger.Info("legacy import complete", "jobs", imported)
	return sess.SetMeta(ctx, metaKeyLegacyImport, "imported")
}

func importLegacyRuns(ctx context.Context, sess *Session, legacyDir, jobID string, logger *slog.Logger) error {
	runsPath := filepath.Join(legacyDir, "runs", jobID+".jsonl")
	f, err := os.Open(runsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open legacy runs for %s: %w", jobID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var lr legacyRun
		if err := json.Unmarshal([]byte(line), &lr); err != nil {
			logger.Warn("malformed legacy run line, skipping", "job_id", jobID, "error", err)
			continue
		}
		run := CronRun{
			ID:        lr.ID,
			JobID:     jobID,
			Timestamp: lr.Timestamp,
			Status:    lr.Status,
			Detail:    lr.Detail,
		}
		if err := sess.RecordRun(ctx, &run); err != nil {
			return fmt.Errorf("import legacy run for %s: %w", jobID, err)
		}
	}
	return scanner.Err()
}
