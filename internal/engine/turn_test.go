package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/hearth/internal/config"
	"github.com/basket/hearth/internal/engine"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/tools"
)

// scriptedBrain replays canned responses in call order. The last reply
// repeats if the engine asks more often than scripted.
type scriptedBrain struct {
	mu      sync.Mutex
	replies []string
	calls   int
	systems []string
}

func (b *scriptedBrain) Chat(ctx context.Context, msgs []engine.Message, specs []tools.Spec) (*engine.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(msgs) > 0 && msgs[0].Role == engine.RoleSystem {
		b.systems = append(b.systems, msgs[0].Content)
	}
	i := b.calls
	b.calls++
	if i >= len(b.replies) {
		i = len(b.replies) - 1
	}
	return &engine.ChatResponse{Content: b.replies[i]}, nil
}

func (b *scriptedBrain) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newEngineStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newProbeRegistry registers "probe" (succeeds, counts executions) and
// "flaky" (always fails, counts attempts).
func newProbeRegistry(t *testing.T) (*tools.Registry, *int, *int) {
	t.Helper()
	r := tools.NewRegistry(policy.New(nil), nil)
	probeCalls := 0
	flakyCalls := 0
	err := r.RegisterProvider(providerFunc{
		{Name: "probe", Handler: func(ctx context.Context, call *tools.Call) (string, error) {
			probeCalls++
			return "probed", nil
		}},
		{Name: "flaky", Handler: func(ctx context.Context, call *tools.Call) (string, error) {
			flakyCalls++
			return "", errors.New("transient failure")
		}},
	})
	if err != nil {
		t.Fatalf("register probe tools: %v", err)
	}
	return r, &probeCalls, &flakyCalls
}

type providerFunc []tools.Descriptor

func (p providerFunc) Tools() []tools.Descriptor { return p }

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{MaxTurns: 4, MaxToolAttempts: 2, ToolTimeoutSeconds: 5}
}

func countMessages(t *testing.T, st *store.Store, owner string) int {
	t.Helper()
	msgs, err := st.RecentMessages(context.Background(), owner, 100)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	return len(msgs)
}

func TestOrchestrator_DirectReply(t *testing.T) {
	st := newEngineStore(t)
	r, probeCalls, _ := newProbeRegistry(t)
	brain := &scriptedBrain{replies: []string{
		`{"next_action": "respond", "message": "Hello there"}`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "hi"})
	if reply != "Hello there" {
		t.Fatalf("expected direct reply, got %q", reply)
	}
	if *probeCalls != 0 {
		t.Fatalf("no tools should run on a direct reply, got %d", *probeCalls)
	}
	// Exactly one exchange recorded: the user message and the reply.
	if n := countMessages(t, st, "alice"); n != 2 {
		t.Fatalf("expected 2 history rows, got %d", n)
	}
}

func TestOrchestrator_ToolThenWrite(t *testing.T) {
	st := newEngineStore(t)
	r, probeCalls, _ := newProbeRegistry(t)
	brain := &scriptedBrain{replies: []string{
		`{"next_action": "tool", "tool_calls": [{"name": "probe", "args": {}}]}`,
		`{"next_action": "respond"}`,
		`All set.`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "probe it"})
	if reply != "All set." {
		t.Fatalf("expected write output, got %q", reply)
	}
	if *probeCalls != 1 {
		t.Fatalf("expected 1 probe execution, got %d", *probeCalls)
	}
}

func TestOrchestrator_DuplicateCallExecutedOnce(t *testing.T) {
	st := newEngineStore(t)
	r, probeCalls, _ := newProbeRegistry(t)
	brain := &scriptedBrain{replies: []string{
		`{"next_action": "tool", "tool_calls": [
			{"name": "probe", "args": {"x": 1}},
			{"name": "probe", "args": {"x": 1}}
		]}`,
		`{"next_action": "respond"}`,
		`done`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	if reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "go"}); reply != "done" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if *probeCalls != 1 {
		t.Fatalf("identical call must not re-execute, got %d executions", *probeCalls)
	}
}

func TestOrchestrator_LoopIsBounded(t *testing.T) {
	st := newEngineStore(t)
	r, probeCalls, _ := newProbeRegistry(t)
	// Reflect keeps proposing the same tool forever; the loop must still
	// terminate at the turn bound and produce one final message.
	brain := &scriptedBrain{replies: []string{
		`{"next_action": "tool", "tool_calls": [{"name": "probe", "args": {}}]}`,
		`{"next_action": "tool", "tool_calls": [{"name": "probe", "args": {}}]}`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "loop"})
	if reply == "" {
		t.Fatal("expected a final message despite the loop")
	}
	if *probeCalls != 1 {
		t.Fatalf("duplicate proposals must not re-execute, got %d", *probeCalls)
	}
	// plan + 3 reflects + write: the chat budget is bounded by max_turns.
	if got := brain.callCount(); got > 5 {
		t.Fatalf("expected at most 5 chat calls, got %d", got)
	}
}

func TestOrchestrator_ExecutionFailureRetriedThenSoftened(t *testing.T) {
	st := newEngineStore(t)
	r, _, flakyCalls := newProbeRegistry(t)
	brain := &scriptedBrain{replies: []string{
		`{"next_action": "tool", "tool_calls": [{"name": "flaky", "args": {}}]}`,
		`{"next_action": "respond"}`,
		`Sorry, that did not work.`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "try"})
	if reply != "Sorry, that did not work." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if *flakyCalls != 2 {
		t.Fatalf("expected 2 attempts for an execution failure, got %d", *flakyCalls)
	}
}

func TestOrchestrator_MalformedPlanDegradesToDirectReply(t *testing.T) {
	st := newEngineStore(t)
	r, probeCalls, _ := newProbeRegistry(t)
	brain := &scriptedBrain{replies: []string{
		`I would love to help but refuse to emit JSON`,
		`still chatting away`,
		`Here is a plain answer instead.`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "hello"})
	if reply != "Here is a plain answer instead." {
		t.Fatalf("expected degraded direct reply, got %q", reply)
	}
	if *probeCalls != 0 {
		t.Fatalf("degraded path must not run tools, got %d", *probeCalls)
	}
	if got := brain.callCount(); got != 3 {
		t.Fatalf("expected plan, strict retry, degraded write (3 calls), got %d", got)
	}
}

func TestOrchestrator_AskUserShortCircuits(t *testing.T) {
	st := newEngineStore(t)
	r, probeCalls, _ := newProbeRegistry(t)
	brain := &scriptedBrain{replies: []string{
		`{"next_action": "ask_user", "question": "Which calendar should I use?"}`,
	}}
	o := engine.NewOrchestrator(brain, r, st, nil, nil, testLimits(), "")

	reply := o.ProcessTurn(context.Background(), engine.TurnInput{OwnerID: "alice", Text: "schedule it"})
	if reply != "Which calendar should I use?" {
		t.Fatalf("expected the question back, got %q", reply)
	}
	if *probeCalls != 0 {
		t.Fatalf("asking must not run tools, got %d", *probeCalls)
	}
}
