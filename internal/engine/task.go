package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/hearth/internal/audit"
	"github.com/basket/hearth/internal/bus"
	"github.com/basket/hearth/internal/config"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/tools"
)

const (
	notUnderstoodMessage = "Sorry, I couldn't understand that request. Could you rephrase it?"
	giveUpMessage        = "Sorry, I couldn't finish that request. Nothing was left half-done."
)

// errModelCall marks a provider failure, as opposed to a response that came
// back but could not be parsed into an action.
var errModelCall = errors.New("model call failed")

// TaskPath runs the stricter Observe/Plan/Act/Validate/Commit protocol for
// scheduling-style requests. States move forward only within a cycle; a
// Task that pauses on need_info persists its record and re-enters at a
// fresh Observe on the owner's next message.
type TaskPath struct {
	brain  Brain
	router *tools.Registry
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	limits config.LimitsConfig
}

// NewTaskPath wires the task path. bus may be nil (no streaming).
func NewTaskPath(brain Brain, router *tools.Registry, st *store.Store, b *bus.Bus, logger *slog.Logger, limits config.LimitsConfig) *TaskPath {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskPath{
		brain:  brain,
		router: router,
		store:  st,
		bus:    b,
		logger: logger,
		limits: limits,
	}
}

// Limits returns the current cycle bounds.
func (p *TaskPath) Limits() config.LimitsConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limits
}

// SetLimits swaps the cycle bounds, for config hot reload. In-flight tasks
// keep the limits they started with.
func (p *TaskPath) SetLimits(l config.LimitsConfig) {
	p.mu.Lock()
	p.limits = l
	p.mu.Unlock()
}

// ProcessTask runs one task cycle and returns exactly one user-facing
// message. Every exit is a Commit: either the pending record is persisted
// (need_info) or it is destroyed alongside an audit entry.
func (p *TaskPath) ProcessTask(ctx context.Context, in TurnInput) string {
	if in.TurnID == "" {
		in.TurnID = uuid.NewString()
	}
	limits := p.Limits()

	ctx, _ = store.WithUnit(ctx)
	sess, err := p.store.Acquire(ctx)
	if err != nil {
		p.logger.Error("task: acquire session", "turn_id", in.TurnID, "error", err)
		return apologyMessage
	}
	defer func() { _ = sess.Close(ctx) }()

	rec := p.loadRecord(ctx, in.OwnerID)
	pending := rec.PendingDecision
	rec.PendingDecision = ""

	specs := p.router.Specs(policy.ScopeMain)
	trace := NewTurnTrace()

	final, needInfo := p.run(ctx, sess, in, rec, pending, specs, trace, limits)

	rec.State = store.TaskStateCommit
	p.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "commit"})
	if needInfo {
		rec.State = store.TaskStateObserve
		rec.PendingDecision = final
		if err := sess.SaveTask(ctx, rec); err != nil {
			p.logger.Error("task: save record", "turn_id", in.TurnID, "error", err)
		}
	} else if err := sess.DeleteTask(ctx, in.OwnerID); err != nil {
		p.logger.Error("task: clear record", "turn_id", in.TurnID, "error", err)
	}

	decision := "final"
	if needInfo {
		decision = "need_info"
	}
	audit.Record(decision, "task.commit", truncate(final, 200), in.OwnerID)
	if err := sess.AppendAudit(ctx, in.OwnerID, "task.commit", decision, truncate(final, 200)); err != nil {
		p.logger.Warn("task: audit row", "turn_id", in.TurnID, "error", err)
	}

	if err := sess.AppendMessage(ctx, in.OwnerID, "user", in.Text); err != nil {
		p.logger.Warn("task: record user message", "turn_id", in.TurnID, "error", err)
	}
	if err := sess.AppendMessage(ctx, in.OwnerID, "assistant", final); err != nil {
		p.logger.Warn("task: record reply", "turn_id", in.TurnID, "error", err)
	}

	doneEv := bus.TurnEvent{Message: final}
	if needInfo {
		doneEv.Pending = final
	}
	p.emit(bus.TopicTurnDone, in, doneEv)
	return final
}

// run drives Observe through Validate until something terminal happens.
// The bool result marks a need_info pause.
func (p *TaskPath) run(ctx context.Context, sess *store.Session, in TurnInput, rec *store.TaskRecord, pending string, specs []tools.Spec, trace *TurnTrace, limits config.LimitsConfig) (string, bool) {
	parseFailures := 0
	var subGoals []string

	for turn := 0; turn < limits.MaxTurns; turn++ {
		if ctx.Err() != nil {
			return canceledMessage(trace), false
		}

		rec.State = store.TaskStateObserve
		p.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "observe"})
		action, err := p.observe(ctx, in, specs, pending, trace, subGoals)
		if err != nil {
			// A provider outage is a structural failure, not the user being
			// unclear; it gets the generic apology instead of counting
			// toward the rephrase limit.
			if errors.Is(err, errModelCall) {
				p.logger.Error("task: model call failed", "turn_id", in.TurnID, "error", err)
				return apologyMessage, false
			}
			parseFailures++
			rec.RetryCount++
			p.logger.Warn("task: unusable action", "turn_id", in.TurnID, "failures", parseFailures, "error", err)
			// Two consecutive unusable responses end the task.
			if parseFailures >= 2 {
				return notUnderstoodMessage, false
			}
			continue
		}
		parseFailures = 0

		rec.State = store.TaskStatePlan
		switch action.Kind {
		case ActionSubGoal:
			trace.Append(action, Observation{})
			subGoals = append(subGoals, action.Description)
			continue
		case ActionNeedInfo:
			trace.Append(action, Observation{})
			return action.Question, true
		case ActionFinal:
			trace.Append(action, Observation{})
			return action.Message, false
		}

		action.Args = tools.NormalizeArgs(action.Args)
		fp := Fingerprint(action.Tool, action.Args)
		// Same normalized intent with no new information is never executed
		// a second time, whether it ran earlier this cycle or before a
		// need_info pause.
		if trace.ContainsToolCall(fp) || slices.Contains(rec.Fingerprints, fp) {
			trace.Append(action, Observation{})
			return duplicateMessage(action.Tool), false
		}

		rec.State = store.TaskStateAct
		p.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "act"})
		p.emit(bus.TopicTurnToolStart, in, bus.TurnEvent{Tool: action.Tool})
		res := dispatchWithRetry(ctx, p.router, sess, in.OwnerID, policy.ScopeMain,
			ToolCallRequest{Name: action.Tool, Args: action.Args}, limits, p.logger)
		trace.Append(action, Observation{Result: &res})
		p.emit(bus.TopicTurnToolDone, in, bus.TurnEvent{Tool: action.Tool, OK: res.Success})

		rec.State = store.TaskStateValidate
		p.emit(bus.TopicTurnStatus, in, bus.TurnEvent{Phase: "validate"})
		if res.Success {
			rec.Fingerprints = append(rec.Fingerprints, fp)
			continue
		}
		rec.ToolAttempts++
		switch res.Code {
		case tools.CodeValidation:
			// User-recoverable input problem; the reason is the reply.
			msg := res.Error
			if msg == "" {
				msg = "that request was invalid"
			}
			return msg, false
		case tools.CodeNotFound, tools.CodeDenied:
			return "I can't do that: " + res.Error, false
		default:
			// Execution already exhausted its attempts inside dispatch.
			return giveUpMessage, false
		}
	}

	return p.giveUp(ctx, in, trace), false
}

// observe asks the model for exactly one Action given the conversation,
// any answered pending question, and the steps already taken.
func (p *TaskPath) observe(ctx context.Context, in TurnInput, specs []tools.Spec, pending string, trace *TurnTrace, subGoals []string) (Action, error) {
	messages := []Message{{Role: RoleSystem, Content: observeSystemPrompt(specs, pending)}}
	messages = append(messages, loadHistory(ctx, p.store, p.logger, in.OwnerID)...)
	messages = append(messages, Message{Role: RoleUser, Content: in.Text})
	if len(subGoals) > 0 {
		messages = append(messages, Message{
			Role:    RoleSystem,
			Content: "Active sub-goals:\n- " + strings.Join(subGoals, "\n- "),
		})
	}
	if trace.Len() > 0 {
		messages = append(messages, Message{
			Role:    RoleSystem,
			Content: "Steps already taken for this request:\n" + trace.Summary(),
		})
	}

	resp, err := p.brain.Chat(ctx, messages, specs)
	if err != nil {
		return Action{}, fmt.Errorf("observe: %w: %v", errModelCall, err)
	}
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		return Action{Kind: ActionToolCall, Tool: tc.Name, Args: tc.Args}, nil
	}
	return ParseAction(resp.Content)
}

// giveUp ends a task that ran out of turns. Work that did complete is
// reported honestly instead of being swallowed.
func (p *TaskPath) giveUp(ctx context.Context, in TurnInput, trace *TurnTrace) string {
	p.logger.Info("task: turn bound reached", "turn_id", in.TurnID)
	for _, step := range trace.Steps() {
		if step.Action.Kind == ActionToolCall && step.Obs.Result != nil && step.Obs.Result.Success {
			resp, err := p.brain.Chat(ctx, []Message{
				{Role: RoleSystem, Content: writeSystemPrompt("")},
				{Role: RoleUser, Content: fmt.Sprintf("Request: %s\n\nRecorded steps:\n%s", in.Text, trace.Summary())},
			}, nil)
			if err != nil || strings.TrimSpace(resp.Content) == "" {
				return bestEffortSummary(trace)
			}
			return resp.Content
		}
	}
	return giveUpMessage
}

func (p *TaskPath) loadRecord(ctx context.Context, ownerID string) *store.TaskRecord {
	rec, err := p.store.LoadTask(ctx, ownerID)
	if err == nil {
		return rec
	}
	if !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("task: load record", "owner", ownerID, "error", err)
	}
	return &store.TaskRecord{
		OwnerID:   ownerID,
		State:     store.TaskStateObserve,
		CreatedAt: time.Now().UTC(),
	}
}

func duplicateMessage(tool string) string {
	if strings.HasPrefix(tool, "cron.") {
		return "You already have that reminder set."
	}
	return "I already did exactly that for this request, so I won't repeat it."
}

func (p *TaskPath) emit(topic string, in TurnInput, ev bus.TurnEvent) {
	if p.bus == nil {
		return
	}
	ev.TurnID = in.TurnID
	ev.OwnerID = in.OwnerID
	p.bus.Publish(topic, ev)
}
