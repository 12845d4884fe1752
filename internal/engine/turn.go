package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/hearth/internal/bus"
	"github.com/basket/hearth/internal/config"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/tools"
)

// apologyMessage hides structural errors from users; the detail is logged
// for operators.
const apologyMessage = "Sorry, something went wrong on my end. Please try again."

// TurnInput is one inbound message.
type TurnInput struct {
	TurnID  string
	OwnerID string
	Text    string
}

// Orchestrator runs the default plan/act/reflect/write loop for ordinary
// messages. One call processes one message and returns exactly one
// user-facing reply.
type Orchestrator struct {
	brain  Brain
	router *tools.Registry
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	limits  config.LimitsConfig
	persona string
}

// NewOrchestrator wires the orchestrator. bus may be nil (no streaming).
func NewOrchestrator(brain Brain, router *tools.Registry, st *store.Store, b *bus.Bus, logger *slog.Logger, limits config.LimitsConfig, persona string) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		brain:   brain,
		router:  router,
		store:   st,
		bus:     b,
		logger:  logger,
		limits:  limits,
		persona: persona,
	}
}

// Limits returns the current cycle bounds.
func (o *Orchestrator) Limits() config.LimitsConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.limits
}

// SetLimits swaps the cycle bounds, for config hot reload. In-flight
// cycles keep the limits they started with.
func (o *Orchestrator) SetLimits(l config.LimitsConfig) {
	o.mu.Lock()
	o.limits = l
	o.mu.Unlock()
}

// ProcessTurn runs one full cycle. It always returns exactly one message:
// structural failures become a generic apology, tool failures are folded
// into the reply.
func (o *Orchestrator) ProcessTurn(ctx context.Context, in TurnInput) string {
	if in.TurnID == "" {
		in.TurnID = uuid.NewString()
	}
	limits := o.Limits()

	ctx, _ = store.WithUnit(ctx)
	sess, err := o.store.Acquire(ctx)
	if err != nil {
		o.logger.Error("turn: acquire session", "turn_id", in.TurnID, "error", err)
		return apologyMessage
	}
	defer func() { _ = sess.Close(ctx) }()

	final, ask := o.run(ctx, sess, in, limits)

	// History is recorded at the end of the cycle so the plan prompt's
	// history snapshot does not double the message being processed.
	if err := sess.AppendMessage(ctx, in.OwnerID, "user", in.Text); err != nil {
		o.logger.Warn("turn: record user message", "turn_id", in.TurnID, "error", err)
	}
	if err := sess.AppendMessage(ctx, in.OwnerID, "assistant", final); err != nil {
		o.logger.Warn("turn: record reply", "turn_id", in.TurnID, "error", err)
	}
	o.emit(bus.TopicTurnDone, in, bus.TurnEvent{Message: final, Pending: ask})
	return final
}

// run returns the final reply plus the open question when the cycle ended
// by asking the user instead of completing.
func (o *Orchestrator) run(ctx context.Context, sess *store.Session, in TurnInput, limits config.LimitsConfig) (string, string) {
	o.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "plan"})

	specs := o.router.Specs(policy.ScopeMain)
	plan := o.plan(ctx, in, specs)
	if plan.direct != "" {
		return plan.direct, ""
	}
	if plan.question != "" {
		return plan.question, plan.question
	}

	trace := NewTurnTrace()
	pending := plan.calls
	var question string

	for turn := 0; ; turn++ {
		o.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "act"})
		o.act(ctx, sess, in, pending, trace, limits)
		pending = nil

		if ctx.Err() != nil {
			return canceledMessage(trace), ""
		}
		// Looping back to Act is bounded; exceeding forces a respond.
		if turn+1 >= limits.MaxTurns {
			o.logger.Info("turn: loop bound reached, forcing respond",
				"turn_id", in.TurnID, "max_turns", limits.MaxTurns)
			break
		}

		o.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "reflect"})
		next := o.reflect(ctx, in, specs, trace)
		if next.question != "" {
			question = next.question
			break
		}
		if len(next.calls) == 0 {
			break
		}
		pending = next.calls
	}

	if question != "" {
		return question, question
	}

	o.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "write"})
	return o.write(ctx, in, trace), ""
}

// planResult carries the outcome of the planning phase. Exactly one of the
// fields is meaningful.
type planResult struct {
	calls    []ToolCallRequest
	direct   string // reply immediately, no tools
	question string // ask the user, no tools
}

type planEnvelope struct {
	Goal       string             `json:"goal"`
	PlanSteps  []string           `json:"plan_steps"`
	ToolCalls  []toolCallEnvelope `json:"tool_calls"`
	NextAction string             `json:"next_action"`
	Message    string             `json:"message"`
	Question   string             `json:"question"`
}

type toolCallEnvelope struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// plan asks the model for a plan; a malformed response triggers one
// stricter retry, and a second failure degrades to a zero-tool direct
// reply.
func (o *Orchestrator) plan(ctx context.Context, in TurnInput, specs []tools.Spec) planResult {
	messages := loadHistory(ctx, o.store, o.logger, in.OwnerID)
	base := append([]Message{{Role: RoleSystem, Content: planSystemPrompt(specs)}}, messages...)
	base = append(base, Message{Role: RoleUser, Content: in.Text})

	for attempt := 0; attempt < 2; attempt++ {
		prompt := base
		if attempt == 1 {
			prompt = append(append([]Message{}, base...), Message{Role: RoleSystem, Content: planStrictRetry})
		}
		resp, err := o.brain.Chat(ctx, prompt, specs)
		if err != nil {
			o.logger.Warn("turn: plan call failed", "turn_id", in.TurnID, "attempt", attempt, "error", err)
			continue
		}
		if len(resp.ToolCalls) > 0 {
			return planResult{calls: resp.ToolCalls}
		}
		if result, ok := parsePlan(resp.Content); ok {
			return result
		}
		o.logger.Warn("turn: malformed plan response", "turn_id", in.TurnID, "attempt", attempt)
	}

	// Degraded: zero-tool direct reply.
	resp, err := o.brain.Chat(ctx, []Message{
		{Role: RoleSystem, Content: writeSystemPrompt(o.persona)},
		{Role: RoleUser, Content: in.Text},
	}, nil)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		o.logger.Error("turn: degraded reply failed", "turn_id", in.TurnID, "error", err)
		return planResult{direct: apologyMessage}
	}
	return planResult{direct: resp.Content}
}

func parsePlan(content string) (planResult, bool) {
	jsonStr := ExtractJSON(content)
	if jsonStr == "" {
		return planResult{}, false
	}
	var env planEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
		return planResult{}, false
	}
	switch env.NextAction {
	case "tool":
		if len(env.ToolCalls) == 0 {
			return planResult{}, false
		}
		calls := make([]ToolCallRequest, 0, len(env.ToolCalls))
		for _, tc := range env.ToolCalls {
			if tc.Name == "" {
				return planResult{}, false
			}
			calls = append(calls, ToolCallRequest{Name: tc.Name, Args: tc.Args})
		}
		return planResult{calls: calls}, true
	case "respond":
		if env.Message == "" {
			return planResult{}, false
		}
		return planResult{direct: env.Message}, true
	case "ask_user":
		if env.Question == "" {
			return planResult{}, false
		}
		return planResult{question: env.Question}, true
	default:
		return planResult{}, false
	}
}

// act executes the proposed calls in order, appending each (Action,
// Observation) pair to the trace. Tool errors become observations, never a
// crash. An identical normalized call already in the trace is not
// re-executed.
func (o *Orchestrator) act(ctx context.Context, sess *store.Session, in TurnInput, calls []ToolCallRequest, trace *TurnTrace, limits config.LimitsConfig) {
	for _, tc := range calls {
		// Cancellation stops new dispatches; already-dispatched calls
		// below run to completion and are recorded.
		if ctx.Err() != nil {
			return
		}
		action := Action{Kind: ActionToolCall, Tool: tc.Name, Args: tc.Args}
		fp := Fingerprint(tc.Name, tc.Args)
		if trace.ContainsToolCall(fp) {
			o.logger.Debug("turn: duplicate tool call skipped", "turn_id", in.TurnID, "tool", tc.Name)
			trace.Append(action, Observation{Result: &tools.Result{
				Success: true,
				Output:  "(duplicate call skipped; see earlier result)",
			}})
			continue
		}

		o.emit(bus.TopicTurnToolStart, in, bus.TurnEvent{Tool: tc.Name})
		res := dispatchWithRetry(ctx, o.router, sess, in.OwnerID, policy.ScopeMain, tc, limits, o.logger)
		trace.Append(action, Observation{Result: &res})
		o.emit(bus.TopicTurnToolDone, in, bus.TurnEvent{Tool: tc.Name, OK: res.Success})
	}
}

type reflectResult struct {
	calls    []ToolCallRequest
	question string
}

// reflect feeds the trace back to the model and parses the next action.
// Anything malformed defaults to respond.
func (o *Orchestrator) reflect(ctx context.Context, in TurnInput, specs []tools.Spec, trace *TurnTrace) reflectResult {
	resp, err := o.brain.Chat(ctx, []Message{
		{Role: RoleSystem, Content: reflectSystemPrompt(specs)},
		{Role: RoleUser, Content: fmt.Sprintf("Original request: %s\n\nSteps so far:\n%s", in.Text, trace.Summary())},
	}, specs)
	if err != nil {
		o.logger.Warn("turn: reflect call failed", "turn_id", in.TurnID, "error", err)
		return reflectResult{}
	}
	if len(resp.ToolCalls) > 0 {
		return reflectResult{calls: resp.ToolCalls}
	}
	jsonStr := ExtractJSON(resp.Content)
	if jsonStr == "" {
		return reflectResult{}
	}
	var env planEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
		return reflectResult{}
	}
	switch env.NextAction {
	case "tool":
		calls := make([]ToolCallRequest, 0, len(env.ToolCalls))
		for _, tc := range env.ToolCalls {
			if tc.Name != "" {
				calls = append(calls, ToolCallRequest{Name: tc.Name, Args: tc.Args})
			}
		}
		return reflectResult{calls: calls}
	case "ask_user":
		return reflectResult{question: env.Question}
	default:
		return reflectResult{}
	}
}

// write composes the single final message from persona, trace facts, and
// the original message. A failing write degrades to a trace summary.
func (o *Orchestrator) write(ctx context.Context, in TurnInput, trace *TurnTrace) string {
	resp, err := o.brain.Chat(ctx, []Message{
		{Role: RoleSystem, Content: writeSystemPrompt(o.persona)},
		{Role: RoleUser, Content: fmt.Sprintf("Request: %s\n\nRecorded steps:\n%s", in.Text, trace.Summary())},
	}, nil)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		o.logger.Warn("turn: write call failed, using summary", "turn_id", in.TurnID, "error", err)
		return bestEffortSummary(trace)
	}
	return resp.Content
}

func bestEffortSummary(trace *TurnTrace) string {
	if trace.Len() == 0 {
		return apologyMessage
	}
	return "Here's what I managed to do:\n" + trace.Summary()
}

func canceledMessage(trace *TurnTrace) string {
	if trace.Len() == 0 {
		return "That request was canceled before I could do anything."
	}
	return "That request was canceled. Before stopping I did:\n" + trace.Summary()
}

// loadHistory fetches recent conversation entries and sanitizes roles the
// provider would reject.
func loadHistory(ctx context.Context, st *store.Store, logger *slog.Logger, ownerID string) []Message {
	items, err := st.RecentMessages(ctx, ownerID, 20)
	if err != nil {
		logger.Warn("load history", "owner", ownerID, "error", err)
		return nil
	}
	out := make([]Message, 0, len(items))
	for _, it := range items {
		role := it.Role
		if role != RoleUser && role != RoleAssistant && role != RoleSystem {
			role = RoleUser
		}
		out = append(out, Message{Role: role, Content: it.Content})
	}
	return out
}

func (o *Orchestrator) emit(topic string, in TurnInput, ev bus.TurnEvent) {
	if o.bus == nil {
		return
	}
	ev.TurnID = in.TurnID
	ev.OwnerID = in.OwnerID
	o.bus.Publish(topic, ev)
}
