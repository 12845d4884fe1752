package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/hearth/internal/bus"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/tools"
)

// fireTimeout bounds a single job dispatch so a hung tool cannot stall the
// scheduler forever.
const fireTimeout = 60 * time.Second

// Scheduler polls the store for due jobs and fires their payloads through
// the tool router. All firing happens on one goroutine, so a job can never
// fire again before its previous run row is recorded.
type Scheduler struct {
	store  *store.Store
	router *tools.Registry
	bus    *bus.Bus
	logger *slog.Logger
	tick   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler. tickSeconds <= 0 falls back to 5s. bus may be nil.
func New(st *store.Store, router *tools.Registry, b *bus.Bus, logger *slog.Logger, tickSeconds int) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tickSeconds <= 0 {
		tickSeconds = 5
	}
	return &Scheduler{
		store:  st,
		router: router,
		bus:    b,
		logger: logger,
		tick:   time.Duration(tickSeconds) * time.Second,
	}
}

// Start launches the polling loop. The first sweep runs immediately so jobs
// that came due while the process was down fire on startup.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("scheduler started", "tick", s.tick.String())
		s.sweep(ctx)

		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// sweep fires every due job in creation order. One failing job never blocks
// the others.
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: list due jobs", "error", err)
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, &jobs[i], now)
	}
}

// fire runs one job under its own unit of work: dispatch the payload in the
// job's isolation scope, append exactly one run row, then advance or retire
// the job.
func (s *Scheduler) fire(ctx context.Context, job *store.CronJob, firedAt time.Time) {
	ctx, _ = store.WithUnit(ctx)
	sess, err := s.store.Acquire(ctx)
	if err != nil {
		s.logger.Error("scheduler: acquire session", "job_id", job.ID, "error", err)
		return
	}
	defer func() { _ = sess.Close(ctx) }()

	callCtx, cancel := context.WithTimeout(ctx, fireTimeout)
	res := s.router.Dispatch(callCtx, &tools.Call{
		Name:    job.Payload.Tool,
		Args:    job.Payload.Args,
		OwnerID: job.OwnerID,
		Scope:   policy.ParseScope(job.Isolation),
		Session: sess,
	})
	cancel()

	run := &store.CronRun{JobID: job.ID, Timestamp: firedAt, Status: store.RunStatusOK}
	topic := bus.TopicCronFired
	if res.Success {
		run.Detail = clip(res.Output, 500)
	} else {
		run.Status = store.RunStatusError
		run.Detail = clip(res.Error, 500)
		topic = bus.TopicCronFailed
	}

	// Bookkeeping runs detached from the sweep context: once the payload has
	// executed, Stop must not be able to cancel the run row or the advance,
	// or the job would fire again on the next start.
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer bookCancel()

	if err := sess.RecordRun(bookCtx, run); err != nil {
		s.logger.Error("scheduler: record run", "job_id", job.ID, "error", err)
	}
	if err := sess.AdvanceJob(bookCtx, job, firedAt); err != nil {
		s.logger.Error("scheduler: advance job", "job_id", job.ID, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(topic, bus.CronEvent{
			JobID:   job.ID,
			OwnerID: job.OwnerID,
			RunID:   run.ID,
			Status:  run.Status,
		})
	}
	s.logger.Info("scheduler: job fired",
		"job_id", job.ID, "tool", job.Payload.Tool, "status", run.Status, "enabled", job.Enabled)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
