// Package agent implements the interactive turn loop, the tool call
// scheduler, loop detection, and the non-interactive sub-agent scope.
package agent

import (
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventUserInput      EventKind = "user_input"
	EventTextDelta      EventKind = "text_delta"
	EventThought        EventKind = "thought"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallOutput EventKind = "tool_call_output"
	EventToolCallEnd    EventKind = "tool_call_end"
	EventTurnComplete   EventKind = "turn_complete"
	EventTurnLimit      EventKind = "turn_limit"
	EventLoopGate       EventKind = "loop_gate"
	EventSubAgentStart  EventKind = "subagent_start"
	EventSubAgentEnd    EventKind = "subagent_end"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
	EventIdle           EventKind = "idle"
)

// Event is a typed event emitted by the agent loop for the host UI.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter delivers typed events to the host application via a channel.
// Emission never blocks the loop; events are dropped when the host is not
// draining.
type Emitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	mu        sync.Mutex
}

// NewEmitter creates an Emitter with a buffered channel.
func NewEmitter(sessionID string, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. Closed emitters silently drop.
func (e *Emitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop rather than stall the loop.
	}
}

// Events returns the read-only event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
