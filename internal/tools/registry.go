// Package tools is the uniform capability surface over everything the
// model can invoke: general skills plus the scheduling operations. The
// dispatch boundary never lets a failure escape as a panic or error; every
// outcome is a Result.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/hearth/internal/audit"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
)

// Result codes.
const (
	CodeNotFound   = "not_found"
	CodeValidation = "validation"
	CodeDenied     = "denied"
	CodeExecution  = "execution"
)

// Result is the outcome of one tool invocation. Invocation failures are
// captured here, never raised past the dispatch boundary.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Call carries one invocation through the dispatcher: caller identity, the
// storage session of the owning unit of work, and the isolation scope.
type Call struct {
	Name    string
	Args    map[string]any
	OwnerID string
	Scope   policy.Scope
	Session *store.Session
}

// Handler executes a validated call and returns its output.
type Handler func(ctx context.Context, call *Call) (string, error)

// Descriptor is a capability description: stable name, JSON Schema for the
// arguments, and the handler. Discovered once at startup.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler

	compiled *jsonschema.Schema
}

// Spec is the model-facing shape of a descriptor.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Provider contributes descriptors to the general registry at startup.
type Provider interface {
	Tools() []Descriptor
}

// Registry resolves and dispatches tool calls. Scheduling handlers are
// checked first, then the general registry keyed by stable name.
type Registry struct {
	mu         sync.RWMutex
	scheduling map[string]*Descriptor
	general    map[string]*Descriptor

	policy policy.Checker
	logger *slog.Logger
}

// NewRegistry builds an empty registry gated by the given policy.
func NewRegistry(pol policy.Checker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		scheduling: make(map[string]*Descriptor),
		general:    make(map[string]*Descriptor),
		policy:     pol,
		logger:     logger,
	}
}

// RegisterProvider adds all of a provider's descriptors to the general
// registry. Later registrations of the same name win; that is logged.
func (r *Registry) RegisterProvider(p Provider) error {
	for _, desc := range p.Tools() {
		if err := r.register(r.general, desc); err != nil {
			return err
		}
	}
	return nil
}

// registerScheduling installs the fast-path scheduling handlers.
func (r *Registry) registerScheduling(desc Descriptor) error {
	return r.register(r.scheduling, desc)
}

func (r *Registry) register(dst map[string]*Descriptor, desc Descriptor) error {
	if desc.Name == "" || desc.Handler == nil {
		return errors.New("tools: descriptor needs a name and a handler")
	}
	d := desc
	if len(d.Schema) > 0 {
		compiled, err := compileSchema(d.Name, d.Schema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", d.Name, err)
		}
		d.compiled = compiled
	}
	r.mu.Lock()
	if _, exists := dst[d.Name]; exists {
		r.logger.Warn("tool re-registered, replacing", "tool", d.Name)
	}
	dst[d.Name] = &d
	r.mu.Unlock()
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	res := name + ".schema.json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(res)
}

// lookup resolves a name: scheduling handlers first, then the general
// registry.
func (r *Registry) lookup(name string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.scheduling[name]; ok {
		return d
	}
	if d, ok := r.general[name]; ok {
		return d
	}
	return nil
}

// Specs returns the model-facing descriptors visible under the scope,
// sorted by name for a stable prompt.
func (r *Registry) Specs(scope policy.Scope) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []Spec
	add := func(d *Descriptor) {
		if r.policy != nil && !r.policy.AllowTool(scope, d.Name) {
			return
		}
		params := d.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, Spec{Name: d.Name, Description: d.Description, Parameters: params})
	}
	for _, d := range r.scheduling {
		add(d)
	}
	for _, d := range r.general {
		add(d)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// argAliases maps accepted alternate spellings onto canonical argument
// names, applied before validation and dispatch.
var argAliases = map[string]string{
	"file":     "path",
	"filepath": "path",
	"text":     "message",
	"msg":      "message",
	"when":     "schedule",
	"cron":     "schedule",
	"job":      "id",
	"job_id":   "id",
}

// NormalizeArgs rewrites aliased argument names onto their canonical form.
// A canonical key already present wins over its alias.
func NormalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		canonical, ok := argAliases[k]
		if !ok {
			out[k] = v
			continue
		}
		if _, exists := args[canonical]; !exists {
			out[canonical] = v
		}
	}
	return out
}

// Dispatch resolves, validates, authorizes, and executes a call. It never
// panics and never returns an error: everything is folded into the Result.
func (r *Registry) Dispatch(ctx context.Context, call *Call) Result {
	desc := r.lookup(call.Name)
	if desc == nil {
		return Result{Success: false, Code: CodeNotFound, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	if r.policy != nil && !r.policy.AllowTool(call.Scope, call.Name) {
		audit.Record("deny", "tool."+call.Name, "blocked by isolation scope", call.OwnerID)
		return Result{Success: false, Code: CodeDenied, Error: fmt.Sprintf("tool %q is not allowed in this scope", call.Name)}
	}

	call.Args = NormalizeArgs(call.Args)

	if desc.compiled != nil {
		if err := validateArgs(desc.compiled, call.Args); err != nil {
			return Result{Success: false, Code: CodeValidation, Error: err.Error()}
		}
	}

	output, err := safeInvoke(ctx, desc.Handler, call)
	if err != nil {
		return Result{Success: false, Code: classifyHandlerError(err), Error: err.Error()}
	}
	return Result{Success: true, Output: output}
}

// safeInvoke shields the dispatch boundary from a panicking handler.
func safeInvoke(ctx context.Context, h Handler, call *Call) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, rec)
		}
	}()
	return h(ctx, call)
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	// jsonschema needs json.Number values, so round-trip through its
	// decoder rather than validating the map directly.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func classifyHandlerError(err error) string {
	switch {
	case errors.Is(err, store.ErrIntervalTooShort),
		errors.Is(err, store.ErrDailyCapExceeded),
		errors.Is(err, store.ErrPastTimestamp),
		errors.Is(err, store.ErrBadSchedule):
		return CodeValidation
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	default:
		return CodeExecution
	}
}
