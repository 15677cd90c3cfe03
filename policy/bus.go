package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Outcome is a user's (or the gate's synthesized) answer to a confirmation.
type Outcome string

const (
	// OutcomeProceedOnce approves this call only.
	OutcomeProceedOnce Outcome = "proceed_once"
	// OutcomeProceedAlways approves this call and auto-approves the call's
	// class going forward: the auto-edit mode for edits, an allow-list
	// entry for other tools.
	OutcomeProceedAlways Outcome = "proceed_always"
	// OutcomeCancel rejects the call; the tool is never invoked.
	OutcomeCancel Outcome = "cancel"
)

// ConfirmationRequest asks for approval of one tool call. CorrelationID
// must be set; it keys the eventual response back to this request.
type ConfirmationRequest struct {
	CorrelationID string
	Call          CallInfo
	Message       string // human-readable description of what will happen
	Diff          string // unified diff preview for edit-class calls, if any
}

// ConfirmationResponse resolves a previously published request.
type ConfirmationResponse struct {
	CorrelationID string
	Outcome       Outcome
}

// EventKind discriminates bus events delivered to the subscriber.
type EventKind string

const (
	// EventAskUser carries a request the gate could not auto-resolve.
	EventAskUser EventKind = "ask_user"
	// EventRejected reports a call the gate denied by policy.
	EventRejected EventKind = "rejected"
	// EventError reports a malformed message the bus refused to process.
	EventError EventKind = "error"
)

// Event is one message on the bus's subscriber channel.
type Event struct {
	Kind    EventKind
	Request *ConfirmationRequest
	Err     string
}

// Bus routes confirmation requests through the policy engine and parks
// unresolved ones until a response arrives. Responses may arrive in any
// order relative to their requests.
type Bus struct {
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Outcome
	calls   map[string]CallInfo
	events  chan Event
}

// NewBus creates a Bus backed by the given engine.
func NewBus(engine *Engine, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		engine:  engine,
		logger:  logger,
		pending: make(map[string]chan Outcome),
		calls:   make(map[string]CallInfo),
		events:  make(chan Event, 64),
	}
}

// Events returns the subscriber channel. The UI layer consumes ask-user
// requests from here and answers them via Resolve.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Publish submits a confirmation request. The gate resolves it immediately
// on Allow or Deny; AskUser forwards it to the subscriber unmodified. A
// request without a correlation id is rejected with an error event rather
// than processed.
func (b *Bus) Publish(req ConfirmationRequest) {
	if req.CorrelationID == "" {
		b.emit(Event{Kind: EventError, Err: "confirmation request missing correlation id"})
		return
	}

	ch := b.ensurePending(req.CorrelationID)
	b.mu.Lock()
	b.calls[req.CorrelationID] = req.Call
	b.mu.Unlock()

	switch b.engine.Check(req.Call) {
	case Allow:
		b.deliver(ch, OutcomeProceedOnce)
	case Deny:
		b.emit(Event{Kind: EventRejected, Request: &req})
		b.deliver(ch, OutcomeCancel)
	default:
		b.emit(Event{Kind: EventAskUser, Request: &req})
	}
}

// Resolve answers a pending request. Unknown or missing correlation ids
// produce an error event; the bus never panics on bad input.
func (b *Bus) Resolve(resp ConfirmationResponse) {
	if resp.CorrelationID == "" {
		b.emit(Event{Kind: EventError, Err: "confirmation response missing correlation id"})
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[resp.CorrelationID]
	info, known := b.calls[resp.CorrelationID]
	b.mu.Unlock()
	if !ok {
		b.emit(Event{Kind: EventError, Err: fmt.Sprintf("no pending confirmation for id %s", resp.CorrelationID)})
		return
	}

	if resp.Outcome == OutcomeProceedAlways && known {
		// Proceed-always widens approval for the rest of the session, scoped
		// to the approved call's class: the ambient mode for edits, an
		// allow-list entry for anything else.
		if info.IsEdit {
			b.engine.SetMode(ApprovalAutoEdit)
		} else {
			b.engine.AllowTool(info.Name)
		}
	}
	b.deliver(ch, resp.Outcome)
}

// Wait blocks until the request with the given correlation id resolves or
// ctx is cancelled. Cancellation counts as OutcomeCancel.
func (b *Bus) Wait(ctx context.Context, correlationID string) (Outcome, error) {
	ch := b.ensurePending(correlationID)
	defer func() {
		b.mu.Lock()
		delete(b.pending, correlationID)
		delete(b.calls, correlationID)
		b.mu.Unlock()
	}()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return OutcomeCancel, ctx.Err()
	}
}

func (b *Bus) ensurePending(id string) chan Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.pending[id]; ok {
		return ch
	}
	ch := make(chan Outcome, 1)
	b.pending[id] = ch
	return ch
}

// deliver is non-blocking; the pending channel is buffered and a second
// resolution for the same id is dropped.
func (b *Bus) deliver(ch chan Outcome, outcome Outcome) {
	select {
	case ch <- outcome:
	default:
		b.logger.Warn("duplicate confirmation resolution dropped")
	}
}

// emit is non-blocking; if the subscriber is not draining, events are
// dropped rather than stalling the scheduler.
func (b *Bus) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("bus event dropped, subscriber not draining", "kind", string(ev.Kind))
	}
}
