package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gemloop/gemloop/genai"
	"github.com/gemloop/gemloop/policy"
	"github.com/gemloop/gemloop/tools"
)

// CallStatus is the lifecycle state of one tracked tool call.
type CallStatus string

const (
	StatusValidating       CallStatus = "validating"
	StatusScheduled        CallStatus = "scheduled"
	StatusAwaitingApproval CallStatus = "awaiting_approval"
	StatusExecuting        CallStatus = "executing"
	StatusSuccess          CallStatus = "success"
	StatusError            CallStatus = "error"
	StatusCancelled        CallStatus = "cancelled"
)

// Terminal reports whether a status is terminal.
func (s CallStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// ToolCallRequest identifies one invocation attempt. Immutable once created.
type ToolCallRequest struct {
	CallID            string
	Name              string
	Args              json.RawMessage
	IsClientInitiated bool
	PromptID          string
}

// CallError is the structured error carried by a failed call's response.
type CallError struct {
	Message string
	Type    string // "validation", "execution", "cancelled"
}

// ToolCallResponse is produced once per completed, failed, or cancelled
// call. Immutable.
type ToolCallResponse struct {
	CallID        string
	Parts         []genai.Part
	ResultDisplay string
	Err           *CallError
}

// TrackedToolCall carries one request through its lifecycle. Owned
// exclusively by the Scheduler until terminal.
type TrackedToolCall struct {
	Request           ToolCallRequest
	Status            CallStatus
	Tool              tools.Tool
	Confirmation      *tools.ConfirmationDetails
	LiveOutput        string
	Response          *ToolCallResponse
	ResponseSubmitted bool
	StartedAt         time.Time
	CompletedAt       time.Time
}

// SchedulerOptions configures a Scheduler batch.
type SchedulerOptions struct {
	Registry *tools.Registry
	Bus      *policy.Bus
	Emitter  *Emitter
	// OnAllComplete fires exactly once when every call in the batch has
	// reached a terminal state.
	OnAllComplete func(calls []*TrackedToolCall)
	// OnOutput receives live output chunks from executing tools.
	OnOutput func(callID, chunk string)
	// CharLimits and LineLimits override the default truncation tables.
	CharLimits map[string]int
	LineLimits map[string]int
}

// Scheduler owns the set of in-flight tool calls for one turn batch and
// drives each through validation, confirmation, execution, and completion.
type Scheduler struct {
	opts SchedulerOptions

	mu            sync.Mutex
	calls         []*TrackedToolCall
	completeFired bool
	cancelled     bool
	cancel        context.CancelFunc
}

// NewScheduler creates a Scheduler for one batch.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	return &Scheduler{opts: opts}
}

// Calls returns the tracked calls of the current batch.
func (s *Scheduler) Calls() []*TrackedToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TrackedToolCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Schedule accepts the batch, validating each request and classifying it as
// scheduled, awaiting approval, or immediately failed. Unknown tools and
// invalid parameters become terminal errors, never panics.
func (s *Scheduler) Schedule(ctx context.Context, requests []ToolCallRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range requests {
		tc := &TrackedToolCall{Request: req, Status: StatusValidating}
		s.calls = append(s.calls, tc)

		tool := s.opts.Registry.Get(req.Name)
		if tool == nil {
			s.failLocked(tc, "validation", fmt.Sprintf("tool %q not found in registry", req.Name))
			continue
		}
		tc.Tool = tool

		if err := tool.ValidateParams(req.Args); err != nil {
			s.failLocked(tc, "validation", err.Error())
			continue
		}

		details, err := tool.ShouldConfirmExecute(ctx, req.Args)
		if err != nil {
			s.failLocked(tc, "validation", err.Error())
			continue
		}
		if details == nil {
			tc.Status = StatusScheduled
			continue
		}

		// The bus applies the policy gate: auto-allow and auto-deny
		// resolve immediately, everything else parks for the user.
		tc.Status = StatusAwaitingApproval
		tc.Confirmation = details
		s.opts.Bus.Publish(policy.ConfirmationRequest{
			CorrelationID: req.CallID,
			Call: policy.CallInfo{
				CallID:   req.CallID,
				Name:     req.Name,
				Args:     req.Args,
				ReadOnly: tool.Kind() == tools.KindReadOnly,
				IsEdit:   tool.Kind() == tools.KindEdit,
			},
			Message: details.Message,
			Diff:    details.Diff,
		})
	}
}

// HandleConfirmation resolves an awaiting call. Proceed-always additionally
// flips the ambient approval mode inside the bus.
func (s *Scheduler) HandleConfirmation(callID string, outcome policy.Outcome) {
	s.opts.Bus.Resolve(policy.ConfirmationResponse{CorrelationID: callID, Outcome: outcome})
}

// Execute drives every non-terminal call to completion. Calls execute
// concurrently with no cross-call ordering guarantee; awaiting calls run
// once their confirmation resolves. Execute returns when the batch is
// fully terminal.
func (s *Scheduler) Execute(ctx context.Context) {
	execCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	pending := make([]*TrackedToolCall, 0, len(s.calls))
	for _, tc := range s.calls {
		if !tc.Status.Terminal() {
			pending = append(pending, tc)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, tc := range pending {
		wg.Add(1)
		go func(tc *TrackedToolCall) {
			defer wg.Done()
			s.runCall(execCtx, tc)
		}(tc)
	}
	wg.Wait()
	cancel()
	s.maybeFireComplete()
}

// runCall takes one call from its current state to terminal.
func (s *Scheduler) runCall(ctx context.Context, tc *TrackedToolCall) {
	s.mu.Lock()
	status := tc.Status
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled {
		s.markCancelled(tc)
		return
	}

	if status == StatusAwaitingApproval {
		outcome, err := s.opts.Bus.Wait(ctx, tc.Request.CallID)
		if err != nil || outcome == policy.OutcomeCancel {
			s.markCancelled(tc)
			return
		}
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			s.markCancelled(tc)
			return
		}
		tc.Status = StatusScheduled
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.markCancelled(tc)
		return
	}
	tc.Status = StatusExecuting
	tc.StartedAt = time.Now()
	s.mu.Unlock()

	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(EventToolCallStart, map[string]any{
			"call_id":   tc.Request.CallID,
			"tool_name": tc.Request.Name,
		})
	}

	onOutput := func(chunk string) {
		s.mu.Lock()
		tc.LiveOutput += chunk
		s.mu.Unlock()
		if s.opts.OnOutput != nil {
			s.opts.OnOutput(tc.Request.CallID, chunk)
		}
		if s.opts.Emitter != nil {
			s.opts.Emitter.Emit(EventToolCallOutput, map[string]any{
				"call_id": tc.Request.CallID,
				"chunk":   chunk,
			})
		}
	}

	// A tool panic is converted to a terminal error; the scheduler never
	// propagates tool failures to its caller.
	result, err := s.executeSafely(ctx, tc, onOutput)
	if err != nil {
		s.fail(tc, "execution", err.Error())
		return
	}

	content := tools.TruncateToolOutput(result.Content, tc.Request.Name, s.opts.CharLimits, s.opts.LineLimits)
	display := result.Display
	if display == "" {
		display = result.Content
	}

	respJSON, _ := json.Marshal(map[string]string{"output": content})
	s.mu.Lock()
	tc.Status = StatusSuccess
	tc.CompletedAt = time.Now()
	tc.Response = &ToolCallResponse{
		CallID:        tc.Request.CallID,
		Parts:         []genai.Part{genai.FunctionResponsePart(tc.Request.CallID, tc.Request.Name, respJSON, false)},
		ResultDisplay: display,
	}
	s.mu.Unlock()

	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(EventToolCallEnd, map[string]any{
			"call_id": tc.Request.CallID,
			"output":  result.Content, // full untruncated output
		})
	}
}

func (s *Scheduler) executeSafely(ctx context.Context, tc *TrackedToolCall, onOutput func(string)) (result tools.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tc.Tool.Execute(ctx, tc.Request.Args, onOutput)
}

// CancelAll aborts the shared signal. Awaiting and scheduled calls become
// cancelled; executing calls observe the signal and still reach a terminal
// state on their own. Idempotent.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	var toCancel []*TrackedToolCall
	for _, tc := range s.calls {
		if tc.Status == StatusValidating || tc.Status == StatusScheduled || tc.Status == StatusAwaitingApproval {
			toCancel = append(toCancel, tc)
		}
	}
	s.mu.Unlock()

	for _, tc := range toCancel {
		s.markCancelled(tc)
	}
	if cancel != nil {
		cancel()
	}
	s.maybeFireComplete()
}

// MarkSubmitted flips ResponseSubmitted on the given calls once their
// responses have been folded into history. Non-terminal calls are skipped.
func (s *Scheduler) MarkSubmitted(callIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(callIDs))
	for _, id := range callIDs {
		ids[id] = true
	}
	for _, tc := range s.calls {
		if ids[tc.Request.CallID] && tc.Status.Terminal() {
			tc.ResponseSubmitted = true
		}
	}
}

// Responses returns the responses of all terminal calls.
func (s *Scheduler) Responses() []ToolCallResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolCallResponse
	for _, tc := range s.calls {
		if tc.Response != nil {
			out = append(out, *tc.Response)
		}
	}
	return out
}

func (s *Scheduler) fail(tc *TrackedToolCall, errType, message string) {
	s.mu.Lock()
	s.failLocked(tc, errType, message)
	s.mu.Unlock()

	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(EventToolCallEnd, map[string]any{
			"call_id": tc.Request.CallID,
			"error":   message,
		})
	}
	s.maybeFireComplete()
}

func (s *Scheduler) failLocked(tc *TrackedToolCall, errType, message string) {
	if tc.Status.Terminal() {
		return
	}
	respJSON, _ := json.Marshal(map[string]string{"error": message})
	tc.Status = StatusError
	tc.CompletedAt = time.Now()
	tc.Response = &ToolCallResponse{
		CallID:        tc.Request.CallID,
		Parts:         []genai.Part{genai.FunctionResponsePart(tc.Request.CallID, tc.Request.Name, respJSON, true)},
		ResultDisplay: message,
		Err:           &CallError{Message: message, Type: errType},
	}
}

func (s *Scheduler) markCancelled(tc *TrackedToolCall) {
	s.mu.Lock()
	if tc.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	respJSON, _ := json.Marshal(map[string]string{"output": "Tool call cancelled by user."})
	tc.Status = StatusCancelled
	tc.CompletedAt = time.Now()
	tc.Response = &ToolCallResponse{
		CallID:        tc.Request.CallID,
		Parts:         []genai.Part{genai.FunctionResponsePart(tc.Request.CallID, tc.Request.Name, respJSON, false)},
		ResultDisplay: "cancelled",
		Err:           &CallError{Message: "cancelled by user", Type: "cancelled"},
	}
	s.mu.Unlock()

	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(EventToolCallEnd, map[string]any{
			"call_id":   tc.Request.CallID,
			"cancelled": true,
		})
	}
	s.maybeFireComplete()
}

// maybeFireComplete invokes OnAllComplete exactly once, only after every
// call in the batch is terminal.
func (s *Scheduler) maybeFireComplete() {
	s.mu.Lock()
	if s.completeFired || len(s.calls) == 0 {
		s.mu.Unlock()
		return
	}
	for _, tc := range s.calls {
		if !tc.Status.Terminal() {
			s.mu.Unlock()
			return
		}
	}
	s.completeFired = true
	calls := make([]*TrackedToolCall, len(s.calls))
	copy(calls, s.calls)
	cb := s.opts.OnAllComplete
	s.mu.Unlock()

	if cb != nil {
		cb(calls)
	}
}
