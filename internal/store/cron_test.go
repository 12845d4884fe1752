package store_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/hearth/internal/store"
)

func everySchedule(seconds int) store.Schedule {
	return store.Schedule{Kind: store.ScheduleEvery, EverySeconds: seconds}
}

func TestSchedule_ValidateIntervalFloor(t *testing.T) {
	now := time.Now().UTC()
	min := 60 * time.Second

	if err := everySchedule(30).Validate(now, min); !errors.Is(err, store.ErrIntervalTooShort) {
		t.Fatalf("expected ErrIntervalTooShort for 30s, got %v", err)
	}
	if !strings.Contains(store.ErrIntervalTooShort.Error(), "interval must be >= 60s") {
		t.Fatalf("unexpected error text: %q", store.ErrIntervalTooShort.Error())
	}
	if err := everySchedule(60).Validate(now, min); err != nil {
		t.Fatalf("60s should pass: %v", err)
	}
	// Every-minute cron fires exactly at the floor.
	if err := (store.Schedule{Kind: store.ScheduleCron, Expr: "* * * * *"}).Validate(now, min); err != nil {
		t.Fatalf("every-minute cron should pass: %v", err)
	}
	if err := (store.Schedule{Kind: store.ScheduleCron, Expr: "not a cron"}).Validate(now, min); !errors.Is(err, store.ErrBadSchedule) {
		t.Fatalf("expected ErrBadSchedule, got %v", err)
	}

	past := now.Add(-time.Hour)
	if err := (store.Schedule{Kind: store.ScheduleOnce, At: &past}).Validate(now, min); !errors.Is(err, store.ErrPastTimestamp) {
		t.Fatalf("expected ErrPastTimestamp, got %v", err)
	}
	future := now.Add(time.Hour)
	if err := (store.Schedule{Kind: store.ScheduleOnce, At: &future}).Validate(now, min); err != nil {
		t.Fatalf("future one-shot should pass: %v", err)
	}
}

func TestSchedule_NextExhaustedOneShot(t *testing.T) {
	at := time.Now().UTC().Add(-time.Minute)
	next, err := (store.Schedule{Kind: store.ScheduleOnce, At: &at}).Next(time.Now().UTC())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != nil {
		t.Fatalf("expected nil next for exhausted one-shot, got %v", next)
	}
}

func TestCron_AddJobRejectsShortIntervalWithoutPersisting(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{
		OwnerID:  "alice",
		Schedule: everySchedule(30),
		Payload:  store.Payload{Tool: "echo", Args: map[string]any{"message": "hi"}},
	}
	if err := sess.AddJob(ctx, &job); !errors.Is(err, store.ErrIntervalTooShort) {
		t.Fatalf("expected ErrIntervalTooShort, got %v", err)
	}
	count, err := st.CountJobs(ctx)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected job must not be persisted, found %d rows", count)
	}
}

func TestCron_AddJobFillsIdentityAndDefaults(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{
		OwnerID:  "alice",
		Schedule: everySchedule(3600),
		Payload:  store.Payload{Tool: "echo"},
	}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job ID")
	}
	if job.Isolation != "isolated" {
		t.Fatalf("expected isolated default scope, got %q", job.Isolation)
	}
	if !job.Enabled || job.NextRunAt == nil {
		t.Fatalf("expected enabled job with next run, got enabled=%v next=%v", job.Enabled, job.NextRunAt)
	}

	loaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if loaded.OwnerID != "alice" || loaded.Payload.Tool != "echo" {
		t.Fatalf("job round-trip mismatch: %+v", loaded)
	}
}

func TestCron_DailyCreateCap(t *testing.T) {
	st := openTestStore(t)
	st.SetCronLimits(60*time.Second, 3)
	ctx, sess := unitSession(t, st)

	for i := 0; i < 3; i++ {
		job := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
		if err := sess.AddJob(ctx, &job); err != nil {
			t.Fatalf("add job %d: %v", i, err)
		}
	}

	over := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &over); !errors.Is(err, store.ErrDailyCapExceeded) {
		t.Fatalf("expected ErrDailyCapExceeded, got %v", err)
	}

	// The cap is per owner; another owner still has room.
	other := store.CronJob{OwnerID: "bob", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &other); err != nil {
		t.Fatalf("other owner should not be capped: %v", err)
	}

	// Prior jobs survive the rejection.
	jobs, err := st.ListJobs(ctx, "alice")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 surviving jobs, got %d", len(jobs))
	}
}

func TestCron_UpdateJobChecksOwnerAndSkipsCap(t *testing.T) {
	st := openTestStore(t)
	st.SetCronLimits(60*time.Second, 1)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	// Updating while at the cap must still work.
	job.Schedule = everySchedule(7200)
	if err := sess.UpdateJob(ctx, &job); err != nil {
		t.Fatalf("update at cap: %v", err)
	}

	stolen := job
	stolen.OwnerID = "mallory"
	if err := sess.UpdateJob(ctx, &stolen); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
}

func TestCron_RemoveJobKeepsRuns(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}
	run := store.CronRun{JobID: job.ID, Status: store.RunStatusOK}
	if err := sess.RecordRun(ctx, &run); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := sess.RemoveJob(ctx, "alice", job.ID); err != nil {
		t.Fatalf("remove job: %v", err)
	}

	runs, err := st.ListRuns(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs must survive job removal, got %d", len(runs))
	}
}

func TestCron_RunTimestampsStrictlyIncrease(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	// Same wall-clock instant for every run, as under clock skew.
	stamp := time.Now().UTC()
	for i := 0; i < 3; i++ {
		run := store.CronRun{JobID: job.ID, Timestamp: stamp, Status: store.RunStatusOK}
		if err := sess.RecordRun(ctx, &run); err != nil {
			t.Fatalf("record run %d: %v", i, err)
		}
	}

	runs, err := st.ListRuns(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if !runs[i].Timestamp.After(runs[i-1].Timestamp) {
			t.Fatalf("run %d timestamp %v not after %v", i, runs[i].Timestamp, runs[i-1].Timestamp)
		}
	}
}

func TestCron_RunOrderWithTrailingZeroFractions(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	// 200ms renders as ".2" under a trimming encoding while 250ms renders as
	// ".25", so the earlier instant would sort after the later one as a
	// string. Stored order must stay chronological regardless.
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{200 * time.Millisecond, 250 * time.Millisecond} {
		run := store.CronRun{JobID: job.ID, Timestamp: base.Add(offset), Status: store.RunStatusOK}
		if err := sess.RecordRun(ctx, &run); err != nil {
			t.Fatalf("record run at +%v: %v", offset, err)
		}
	}

	runs, err := st.ListRuns(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if !runs[0].Timestamp.Equal(base.Add(200*time.Millisecond)) || !runs[1].Timestamp.After(runs[0].Timestamp) {
		t.Fatalf("runs out of order: %v then %v", runs[0].Timestamp, runs[1].Timestamp)
	}

	// A run arriving with a stale clock must clamp past the true latest run,
	// not past whichever row happens to sort last as a string.
	stale := store.CronRun{JobID: job.ID, Timestamp: base.Add(100 * time.Millisecond), Status: store.RunStatusOK}
	if err := sess.RecordRun(ctx, &stale); err != nil {
		t.Fatalf("record stale run: %v", err)
	}
	if !stale.Timestamp.After(base.Add(250 * time.Millisecond)) {
		t.Fatalf("stale run clamped to %v, want after %v", stale.Timestamp, base.Add(250*time.Millisecond))
	}
}

func TestCron_CreateCapCountsFractionalWindowEdge(t *testing.T) {
	st := openTestStore(t)
	st.SetCronLimits(60*time.Second, 1)
	ctx, sess := unitSession(t, st)

	job := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	// A window cutoff with a short fractional rendering must still count the
	// job created just after it.
	since := job.CreatedAt.Add(-50 * time.Millisecond).Truncate(100 * time.Millisecond)
	n, err := st.CountJobsCreatedSince(ctx, "alice", since)
	if err != nil {
		t.Fatalf("count jobs since: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job inside window, got %d", n)
	}
}

func TestCron_AdvanceJobDisablesExhaustedOneShot(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	at := time.Now().UTC().Add(time.Minute)
	job := store.CronJob{
		OwnerID:  "alice",
		Schedule: store.Schedule{Kind: store.ScheduleOnce, At: &at},
		Payload:  store.Payload{Tool: "echo"},
	}
	if err := sess.AddJob(ctx, &job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	if err := sess.AdvanceJob(ctx, &job, at); err != nil {
		t.Fatalf("advance job: %v", err)
	}
	if job.Enabled || job.NextRunAt != nil {
		t.Fatalf("one-shot should be retired after firing: enabled=%v next=%v", job.Enabled, job.NextRunAt)
	}

	due, err := st.DueJobs(ctx, time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("retired job must never be due again, got %d", len(due))
	}
}

func TestCron_DueJobsFiltersByNextRun(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	soon := store.CronJob{OwnerID: "alice", Schedule: everySchedule(60), Payload: store.Payload{Tool: "echo"}}
	later := store.CronJob{OwnerID: "alice", Schedule: everySchedule(3600), Payload: store.Payload{Tool: "echo"}}
	if err := sess.AddJob(ctx, &soon); err != nil {
		t.Fatalf("add soon: %v", err)
	}
	if err := sess.AddJob(ctx, &later); err != nil {
		t.Fatalf("add later: %v", err)
	}

	due, err := st.DueJobs(ctx, time.Now().UTC().Add(90*time.Second))
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Fatalf("expected only the 60s job due, got %d", len(due))
	}
}
