package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/hearth/internal/tools"
)

// ActionKind discriminates the Action union. Every consumer must handle
// all four kinds.
type ActionKind string

const (
	ActionToolCall ActionKind = "tool_call"
	ActionNeedInfo ActionKind = "need_info"
	ActionFinal    ActionKind = "final"
	ActionSubGoal  ActionKind = "sub_goal"
)

// Action is one proposed step: exactly one variant is active, selected by
// Kind.
type Action struct {
	Kind ActionKind

	// tool_call
	Tool string
	Args map[string]any

	// need_info
	Question string

	// final
	Message string

	// sub_goal
	Description string
}

// actionEnvelope is the wire shape the model produces.
type actionEnvelope struct {
	Action      string         `json:"action"`
	Tool        string         `json:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Question    string         `json:"question,omitempty"`
	Message     string         `json:"message,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ParseAction decodes a strict structured response into exactly one Action
// variant. The response may wrap the JSON in prose or a fenced block.
func ParseAction(responseText string) (Action, error) {
	jsonStr := ExtractJSON(responseText)
	if jsonStr == "" {
		return Action{}, fmt.Errorf("response contains no JSON object")
	}
	var env actionEnvelope
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	if err := dec.Decode(&env); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}

	switch ActionKind(env.Action) {
	case ActionToolCall:
		if env.Tool == "" {
			return Action{}, fmt.Errorf("tool_call action missing tool name")
		}
		return Action{Kind: ActionToolCall, Tool: env.Tool, Args: env.Args}, nil
	case ActionNeedInfo:
		if env.Question == "" {
			return Action{}, fmt.Errorf("need_info action missing question")
		}
		return Action{Kind: ActionNeedInfo, Question: env.Question}, nil
	case ActionFinal:
		if env.Message == "" {
			return Action{}, fmt.Errorf("final action missing message")
		}
		return Action{Kind: ActionFinal, Message: env.Message}, nil
	case ActionSubGoal:
		if env.Description == "" {
			return Action{}, fmt.Errorf("sub_goal action missing description")
		}
		return Action{Kind: ActionSubGoal, Description: env.Description}, nil
	default:
		return Action{}, fmt.Errorf("unknown action %q", env.Action)
	}
}

// Observation is the executed result of an Action: a tool result, or
// nothing for the non-tool variants.
type Observation struct {
	Result *tools.Result
}

// TraceStep is one (Action, Observation) pair.
type TraceStep struct {
	Action Action
	Obs    Observation
}

// TurnTrace is the ordered, append-only log of one processing cycle. It is
// owned exclusively by the cycle that created it and discarded when the
// cycle ends.
type TurnTrace struct {
	steps []TraceStep
}

func NewTurnTrace() *TurnTrace {
	return &TurnTrace{}
}

func (t *TurnTrace) Append(a Action, o Observation) {
	t.steps = append(t.steps, TraceStep{Action: a, Obs: o})
}

func (t *TurnTrace) Steps() []TraceStep {
	return t.steps
}

func (t *TurnTrace) Len() int {
	return len(t.steps)
}

// ContainsToolCall reports whether an identical normalized tool call was
// already proposed in this trace.
func (t *TurnTrace) ContainsToolCall(fingerprint string) bool {
	for _, step := range t.steps {
		if step.Action.Kind != ActionToolCall {
			continue
		}
		if Fingerprint(step.Action.Tool, step.Action.Args) == fingerprint {
			return true
		}
	}
	return false
}

// Summary renders the trace for reflect/validate prompts and for
// best-effort final messages.
func (t *TurnTrace) Summary() string {
	if len(t.steps) == 0 {
		return "(no steps taken)"
	}
	var b strings.Builder
	for i, step := range t.steps {
		switch step.Action.Kind {
		case ActionToolCall:
			fmt.Fprintf(&b, "%d. called %s", i+1, step.Action.Tool)
			if res := step.Obs.Result; res != nil {
				if res.Success {
					fmt.Fprintf(&b, " -> ok: %s", truncate(res.Output, 300))
				} else {
					fmt.Fprintf(&b, " -> error: %s", truncate(res.Error, 300))
				}
			}
		case ActionNeedInfo:
			fmt.Fprintf(&b, "%d. asked: %s", i+1, step.Action.Question)
		case ActionFinal:
			fmt.Fprintf(&b, "%d. replied: %s", i+1, truncate(step.Action.Message, 300))
		case ActionSubGoal:
			fmt.Fprintf(&b, "%d. sub-goal: %s", i+1, step.Action.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Fingerprint produces the normalized identity of a tool call: the name
// plus the canonical JSON of its arguments. encoding/json sorts map keys,
// so a marshal round-trip canonicalizes nested argument order and numeric
// forms.
func Fingerprint(tool string, args map[string]any) string {
	normalized := tools.NormalizeArgs(args)
	raw, err := json.Marshal(normalized)
	if err != nil {
		raw = []byte("{}")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err == nil {
		if reencoded, err := json.Marshal(generic); err == nil {
			raw = reencoded
		}
	}
	return tool + ":" + string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
