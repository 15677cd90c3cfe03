// Package policy implements the approval gate and confirmation bus that sit
// between the tool scheduler and the user. The engine computes a decision per
// tool call; the bus decouples confirmation requests from their resolution so
// responses can arrive out of order.
package policy

import (
	"encoding/json"
	"sync"
)

// Decision is the outcome of a policy check for one tool call.
type Decision int

const (
	// AskUser defers the call to interactive confirmation.
	AskUser Decision = iota
	// Allow lets the call proceed without confirmation.
	Allow
	// Deny rejects the call outright.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "ask_user"
	}
}

// ApprovalMode is the ambient approval posture for a session.
type ApprovalMode string

const (
	// ApprovalDefault requires confirmation for anything with side effects.
	ApprovalDefault ApprovalMode = "default"
	// ApprovalAutoEdit auto-approves edit-class tools; everything else
	// still confirms.
	ApprovalAutoEdit ApprovalMode = "auto_edit"
	// ApprovalYolo auto-approves every call.
	ApprovalYolo ApprovalMode = "yolo"
)

// CallInfo is the policy engine's view of a proposed tool call.
type CallInfo struct {
	CallID   string
	Name     string
	Args     json.RawMessage
	ReadOnly bool // tool declares no side effects
	IsEdit   bool // tool belongs to the edit class
}

// Engine computes per-call decisions from the ambient approval mode plus
// explicit allow/deny lists. One engine is shared read-mostly across every
// scheduler in the process; mode changes are the only mutation.
type Engine struct {
	mu    sync.RWMutex
	mode  ApprovalMode
	allow map[string]bool
	deny  map[string]bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAllowedTools pre-approves the named tools regardless of mode.
func WithAllowedTools(names ...string) EngineOption {
	return func(e *Engine) {
		for _, n := range names {
			e.allow[n] = true
		}
	}
}

// WithDeniedTools blocks the named tools regardless of mode.
func WithDeniedTools(names ...string) EngineOption {
	return func(e *Engine) {
		for _, n := range names {
			e.deny[n] = true
		}
	}
}

// NewEngine creates an Engine with the given starting mode.
func NewEngine(mode ApprovalMode, opts ...EngineOption) *Engine {
	if mode == "" {
		mode = ApprovalDefault
	}
	e := &Engine{
		mode:  mode,
		allow: make(map[string]bool),
		deny:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the current approval mode.
func (e *Engine) Mode() ApprovalMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode changes the ambient approval mode. Called when the user picks
// "proceed always" or switches modes mid-session.
func (e *Engine) SetMode(mode ApprovalMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// AllowTool adds the named tool to the session allow list so its future
// calls skip confirmation.
func (e *Engine) AllowTool(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allow[name] = true
}

// Check computes the decision for one call. Deny-list entries win over
// everything; the allow list and read-only tools skip confirmation; the
// rest depends on the mode.
func (e *Engine) Check(call CallInfo) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.deny[call.Name] {
		return Deny
	}
	if e.mode == ApprovalYolo {
		return Allow
	}
	if e.allow[call.Name] {
		return Allow
	}
	if call.ReadOnly {
		return Allow
	}
	if e.mode == ApprovalAutoEdit && call.IsEdit {
		return Allow
	}
	return AskUser
}
