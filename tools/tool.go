// Package tools defines the capability interface the agent core schedules
// against, a registry for lookup, and the built-in filesystem and shell
// tools. Tools are interchangeable implementations registered in a lookup
// table; the scheduler only ever sees the Tool interface.
package tools

import (
	"context"
	"encoding/json"
)

// Kind classifies a tool for policy purposes.
type Kind int

const (
	// KindOther covers side-effecting tools that are neither reads nor edits.
	KindOther Kind = iota
	// KindReadOnly marks tools with no side effects.
	KindReadOnly
	// KindEdit marks tools that modify files.
	KindEdit
)

// ToolResult is the outcome of a successful tool execution.
type ToolResult struct {
	// Content goes back to the model as the function response.
	Content string
	// Display is the human-readable rendering; empty means use Content.
	Display string
}

// ConfirmationDetails describes what a pending call will do, for the user
// to approve or reject. A nil ConfirmationDetails from ShouldConfirmExecute
// means the call needs no confirmation.
type ConfirmationDetails struct {
	Message string
	Diff    string // unified diff preview for edit-class tools
}

// Tool is the closed capability interface every tool implements.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Kind() Kind

	// ValidateParams checks args against the tool's schema before any
	// execution is attempted.
	ValidateParams(args json.RawMessage) error

	// ShouldConfirmExecute reports whether this call needs interactive
	// confirmation, and with what details. Returning nil, nil means no.
	ShouldConfirmExecute(ctx context.Context, args json.RawMessage) (*ConfirmationDetails, error)

	// Execute runs the tool. onOutput, when non-nil, receives live output
	// chunks while the tool runs. Errors are returned, never panicked.
	Execute(ctx context.Context, args json.RawMessage, onOutput func(string)) (ToolResult, error)
}

// FuncTool adapts plain functions into the Tool interface. Most built-in
// tools are FuncTools; only tools with bespoke confirmation flows implement
// the interface directly.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]any
	ToolKind        Kind

	// Confirm, when set, overrides the default no-confirmation answer.
	Confirm func(ctx context.Context, args json.RawMessage) (*ConfirmationDetails, error)

	// Run performs the work.
	Run func(ctx context.Context, args json.RawMessage, onOutput func(string)) (ToolResult, error)
}

func (t *FuncTool) Name() string           { return t.ToolName }
func (t *FuncTool) Description() string    { return t.ToolDescription }
func (t *FuncTool) Schema() map[string]any { return t.ToolSchema }
func (t *FuncTool) Kind() Kind             { return t.ToolKind }

func (t *FuncTool) ValidateParams(args json.RawMessage) error {
	return ValidateArgs(t.ToolSchema, args)
}

func (t *FuncTool) ShouldConfirmExecute(ctx context.Context, args json.RawMessage) (*ConfirmationDetails, error) {
	if t.Confirm != nil {
		return t.Confirm(ctx, args)
	}
	return nil, nil
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage, onOutput func(string)) (ToolResult, error) {
	return t.Run(ctx, args, onOutput)
}
