package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/hearth/internal/bus"
	"github.com/basket/hearth/internal/engine"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/tools"
)

// downBrain simulates a provider outage: every call fails.
type downBrain struct{ calls int }

func (b *downBrain) Chat(ctx context.Context, msgs []engine.Message, specs []tools.Spec) (*engine.ChatResponse, error) {
	b.calls++
	return nil, errors.New("connection refused")
}

func newSchedulingTaskPath(t *testing.T, brain engine.Brain) (*engine.TaskPath, *store.Store) {
	t.Helper()
	st := newEngineStore(t)
	r := tools.NewRegistry(policy.New(nil), nil)
	if err := tools.RegisterScheduling(r); err != nil {
		t.Fatalf("register scheduling: %v", err)
	}
	return engine.NewTaskPath(brain, r, st, nil, nil, testLimits()), st
}

const addReminderAction = `{"action": "tool_call", "tool": "cron.add", "args": {
	"schedule": {"kind": "cron", "expr": "0 8 * * *"},
	"tool": "echo",
	"args": {"message": "call mom"}
}}`

func TestTaskPath_ReminderHappyPath(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		addReminderAction,
		`{"action": "final", "message": "Okay, I will remind you every day at 8:00 to call mom."}`,
	}}
	tp, st := newSchedulingTaskPath(t, brain)

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "remind me to call mom every day at 8am"})
	if reply != "Okay, I will remind you every day at 8:00 to call mom." {
		t.Fatalf("unexpected reply %q", reply)
	}

	jobs, err := st.ListJobs(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Schedule.Expr != "0 8 * * *" {
		t.Fatalf("expected the daily job persisted, got %+v", jobs)
	}

	// A finished task leaves no pending record behind.
	if _, err := st.LoadTask(context.Background(), "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("task record should be cleared on commit, got %v", err)
	}
	if n := countMessages(t, st, "alice"); n != 2 {
		t.Fatalf("expected exactly one exchange in history, got %d rows", n)
	}
}

func TestTaskPath_ValidationFailureBecomesTheReply(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		`{"action": "tool_call", "tool": "cron.add", "args": {
			"schedule": {"kind": "every", "every_seconds": 30},
			"tool": "echo"
		}}`,
	}}
	tp, st := newSchedulingTaskPath(t, brain)

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "remind me every 30 seconds"})
	if !strings.Contains(reply, "interval must be >= 60s") {
		t.Fatalf("expected the validation reason as the reply, got %q", reply)
	}
	count, err := st.CountJobs(context.Background())
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected job must not persist, got %d", count)
	}
}

func TestTaskPath_DuplicateReminderNotReExecuted(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		addReminderAction,
		addReminderAction,
	}}
	tp, st := newSchedulingTaskPath(t, brain)

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "remind me to call mom every day at 8am"})
	if reply != "You already have that reminder set." {
		t.Fatalf("unexpected duplicate reply %q", reply)
	}

	jobs, err := st.ListJobs(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("identical intent must execute once, got %d jobs", len(jobs))
	}
}

func TestTaskPath_NeedInfoPersistsAndResumes(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		`{"action": "need_info", "question": "At what time should the reminder fire?"}`,
		`{"action": "final", "message": "All set for 8:00."}`,
	}}
	tp, st := newSchedulingTaskPath(t, brain)
	owner := "alice"

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: owner, Text: "remind me to call mom"})
	if reply != "At what time should the reminder fire?" {
		t.Fatalf("expected the question, got %q", reply)
	}

	rec, err := st.LoadTask(context.Background(), owner)
	if err != nil {
		t.Fatalf("load pending record: %v", err)
	}
	if rec.PendingDecision != "At what time should the reminder fire?" {
		t.Fatalf("pending decision not persisted: %+v", rec)
	}

	reply = tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: owner, Text: "8am"})
	if reply != "All set for 8:00." {
		t.Fatalf("expected resumed final, got %q", reply)
	}
	// The second observe prompt carries the answered question.
	found := false
	for _, sys := range brain.systems {
		if strings.Contains(sys, "At what time should the reminder fire?") {
			found = true
		}
	}
	if !found {
		t.Fatal("resume prompt should quote the pending question")
	}
	if _, err := st.LoadTask(context.Background(), owner); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record should be cleared after resume, got %v", err)
	}
}

func TestTaskPath_TwoUnusableResponsesEndTask(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		`I refuse to follow the protocol`,
		`still just prose`,
	}}
	tp, _ := newSchedulingTaskPath(t, brain)

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "do something"})
	if !strings.Contains(reply, "couldn't understand") {
		t.Fatalf("expected the could-not-understand reply, got %q", reply)
	}
	if got := brain.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 observe attempts, got %d", got)
	}
}

func TestTaskPath_TurnBoundForcesGiveUp(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		`{"action": "sub_goal", "description": "think about it some more"}`,
	}}
	tp, _ := newSchedulingTaskPath(t, brain)

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "ponder forever"})
	if !strings.Contains(reply, "couldn't finish") {
		t.Fatalf("expected the give-up reply, got %q", reply)
	}
	// One observe per turn, bounded by max_turns.
	if got := brain.callCount(); got != 4 {
		t.Fatalf("expected 4 observe calls, got %d", got)
	}
}

func TestTaskPath_ProviderOutageGetsApologyNotRephrase(t *testing.T) {
	brain := &downBrain{}
	tp, _ := newSchedulingTaskPath(t, brain)

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "remind me to call mom"})
	if !strings.Contains(reply, "went wrong on my end") {
		t.Fatalf("provider outage should produce the generic apology, got %q", reply)
	}
	if strings.Contains(reply, "couldn't understand") {
		t.Fatalf("outage must not be blamed on the user, got %q", reply)
	}
	// The outage ends the cycle on the first failure instead of burning
	// through the rephrase allowance.
	if brain.calls != 1 {
		t.Fatalf("expected a single observe attempt, got %d", brain.calls)
	}
}

func TestTaskPath_DoneEventCarriesOpenQuestion(t *testing.T) {
	brain := &scriptedBrain{replies: []string{
		`{"action": "need_info", "question": "At what time should the reminder fire?"}`,
	}}
	st := newEngineStore(t)
	r := tools.NewRegistry(policy.New(nil), nil)
	if err := tools.RegisterScheduling(r); err != nil {
		t.Fatalf("register scheduling: %v", err)
	}
	b := bus.New()
	sub := b.Subscribe(bus.TopicTurnDone)
	defer b.Unsubscribe(sub)
	tp := engine.NewTaskPath(brain, r, st, b, nil, testLimits())

	reply := tp.ProcessTask(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "remind me to call mom"})
	if reply != "At what time should the reminder fire?" {
		t.Fatalf("expected the question, got %q", reply)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TurnEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Payload)
		}
		if payload.Pending != "At what time should the reminder fire?" {
			t.Fatalf("done event should carry the open question, got %+v", payload)
		}
	default:
		t.Fatal("no done event published")
	}
}
