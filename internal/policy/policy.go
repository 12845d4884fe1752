// Package policy decides which tools a unit of work may invoke, based on
// its execution scope. Live-conversation work runs under the main scope;
// scheduler-fired jobs created with isolated scope get only the configured
// allow-list, so a scheduled job cannot silently escalate access.
package policy

import (
	"strings"
	"sync"
)

// Scope is the execution scope a tool call runs under.
type Scope string

const (
	ScopeMain     Scope = "main"
	ScopeIsolated Scope = "isolated"
)

// ParseScope normalizes a scope string; anything unrecognized maps to
// isolated, the restrictive default.
func ParseScope(s string) Scope {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ScopeMain):
		return ScopeMain
	default:
		return ScopeIsolated
	}
}

// Checker is the interface consumers use to gate tool dispatch.
type Checker interface {
	AllowTool(scope Scope, tool string) bool
	AllowedTools(scope Scope) []string
}

// ScopePolicy is an allow-list Checker. The isolated allow-list is
// configuration, not a fixed set.
type ScopePolicy struct {
	mu            sync.RWMutex
	isolatedAllow map[string]struct{}
}

// New builds a ScopePolicy from the configured isolated-scope tool list.
func New(isolatedTools []string) *ScopePolicy {
	p := &ScopePolicy{isolatedAllow: make(map[string]struct{})}
	p.Replace(isolatedTools)
	return p
}

// Replace swaps the isolated allow-list, for config hot reload.
func (p *ScopePolicy) Replace(isolatedTools []string) {
	allow := make(map[string]struct{}, len(isolatedTools))
	for _, t := range isolatedTools {
		t = strings.TrimSpace(t)
		if t != "" {
			allow[t] = struct{}{}
		}
	}
	p.mu.Lock()
	p.isolatedAllow = allow
	p.mu.Unlock()
}

// AllowTool reports whether the tool may run under the scope.
// Main scope is unrestricted; isolated scope is allow-list only.
func (p *ScopePolicy) AllowTool(scope Scope, tool string) bool {
	if scope != ScopeIsolated {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.isolatedAllow[tool]
	return ok
}

// AllowedTools returns the allow-list for the scope; nil means unrestricted.
func (p *ScopePolicy) AllowedTools(scope Scope) []string {
	if scope != ScopeIsolated {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.isolatedAllow))
	for t := range p.isolatedAllow {
		out = append(out, t)
	}
	return out
}
