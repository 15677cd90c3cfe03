package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemloop/gemloop/genai"
	"github.com/gemloop/gemloop/policy"
	"github.com/gemloop/gemloop/tools"
)

// StreamingState is the loop's externally visible state.
type StreamingState string

const (
	StateIdle                   StreamingState = "idle"
	StateResponding             StreamingState = "responding"
	StateWaitingForConfirmation StreamingState = "waiting_for_confirmation"
)

// ErrTimeout terminates a loop run that exceeded its configured duration.
var ErrTimeout = errors.New("turn loop exceeded its time budget")

// ModelStreamer is the slice of the model client the loop consumes.
type ModelStreamer interface {
	SendMessageStream(ctx context.Context, req genai.Request) (<-chan genai.StreamEvent, error)
}

// Config holds loop configuration.
type Config struct {
	Model            string
	SystemPrompt     string // empty means build from the environment
	UserInstructions string
	MaxToolRounds    int           // per submitted query, 0 means 200
	MaxDuration      time.Duration // wall-clock budget, 0 means unlimited
	ToolFilter       []string      // nil means every registered tool
	DisableDetection bool
	CharLimits       map[string]int
	LineLimits       map[string]int
}

// Loop drives model-interaction cycles for one conversation. It owns its
// History and ContextState exclusively; they are never shared across loop
// instances.
type Loop struct {
	id       string
	client   ModelStreamer
	registry *tools.Registry
	engine   *policy.Engine
	bus      *policy.Bus
	env      tools.Environment
	emitter  *Emitter
	logger   *slog.Logger
	config   Config

	history  *History
	detector *LoopDetector

	// onEmptyBatch, when set, runs at the point the model stops calling
	// tools; returning a non-empty nudge continues the loop instead of
	// going idle. Used by the sub-agent scope.
	onEmptyBatch func() (nudge string, done bool)

	mu              sync.Mutex
	streaming       StreamingState
	streamCancel    context.CancelFunc
	scheduler       *Scheduler
	cancelRequested bool
	gateCh          chan GateChoice
	steering        []string
	promptSeq       int
	started         time.Time
}

// NewLoop creates a Loop.
func NewLoop(client ModelStreamer, registry *tools.Registry, engine *policy.Engine, bus *policy.Bus, env tools.Environment, logger *slog.Logger, config Config) *Loop {
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	l := &Loop{
		id:        id,
		client:    client,
		registry:  registry,
		engine:    engine,
		bus:       bus,
		env:       env,
		emitter:   NewEmitter(id, 256),
		logger:    logger,
		config:    config,
		history:   NewHistory(),
		detector:  NewLoopDetector(),
		streaming: StateIdle,
		gateCh:    make(chan GateChoice, 1),
	}
	if config.DisableDetection {
		l.detector.Disable()
	}
	return l
}

// ID returns the loop identifier.
func (l *Loop) ID() string { return l.id }

// Events returns the event channel for the host UI.
func (l *Loop) Events() <-chan Event { return l.emitter.Events() }

// Emitter returns the loop's emitter, for components that forward their
// own events onto the same channel.
func (l *Loop) Emitter() *Emitter { return l.emitter }

// State returns the current streaming state.
func (l *Loop) State() StreamingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streaming
}

// History returns a copy of the conversation history.
func (l *Loop) History() []genai.Content { return l.history.Contents() }

// HandleApprovalModeChange switches the ambient approval mode.
func (l *Loop) HandleApprovalModeChange(mode policy.ApprovalMode) {
	l.engine.SetMode(mode)
}

// ResolveConfirmation answers a pending tool confirmation.
func (l *Loop) ResolveConfirmation(callID string, outcome policy.Outcome) {
	l.bus.Resolve(policy.ConfirmationResponse{CorrelationID: callID, Outcome: outcome})
}

// ResolveLoopGate answers a pending loop-detected gate.
func (l *Loop) ResolveLoopGate(choice GateChoice) {
	select {
	case l.gateCh <- choice:
	default:
		l.logger.Warn("loop gate resolution with no pending gate")
	}
}

// Steer queues a message injected before the next model call.
func (l *Loop) Steer(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steering = append(l.steering, message)
}

// Cancel aborts the current model stream and the scheduler's shared
// signal. With no tool executing the loop goes idle immediately; an
// executing tool still reaches its own terminal state first.
func (l *Loop) Cancel() {
	l.mu.Lock()
	l.cancelRequested = true
	cancel := l.streamCancel
	sched := l.scheduler
	if sched == nil {
		l.streaming = StateIdle
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.CancelAll()
	}
}

// SubmitQuery drives the turn loop for one user input until the model
// stops calling tools, the budget runs out, or cancellation. Loop-level
// failures are recorded and then returned to the caller.
func (l *Loop) SubmitQuery(ctx context.Context, text string) error {
	l.mu.Lock()
	l.streaming = StateResponding
	l.cancelRequested = false
	l.started = time.Now()
	l.promptSeq++
	promptID := fmt.Sprintf("%s#%d", l.id, l.promptSeq)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.streaming = StateIdle
		l.scheduler = nil
		l.mu.Unlock()
		l.emitter.Emit(EventIdle, nil)
	}()

	if err := l.history.AddUser(genai.UserContent(text)); err != nil {
		return err
	}
	l.emitter.Emit(EventUserInput, map[string]any{"content": text})

	rounds := 0
	for {
		// Time budget is cooperative: checked once per iteration.
		if l.config.MaxDuration > 0 && time.Since(l.started) >= l.config.MaxDuration {
			l.emitter.Emit(EventError, map[string]any{"error": ErrTimeout.Error()})
			return ErrTimeout
		}
		if l.isCancelRequested() {
			return nil
		}
		if rounds >= l.config.MaxToolRounds {
			l.emitter.Emit(EventTurnLimit, map[string]any{"rounds": rounds})
			return nil
		}

		l.drainSteering()

		content, calls, selfReport, err := l.streamModelTurn(ctx, promptID)
		if err != nil {
			l.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			return err
		}
		if err := l.history.AddModel(content); err != nil {
			return err
		}
		if l.isCancelRequested() {
			// Calls collected before the cancel landed still need answers
			// or the next AddModel would reject the history.
			return l.foldCancelledCalls(calls)
		}
		l.checkContextUsage()

		// The gate fires before the batch is scheduled, whether repetition
		// was detected locally or self-reported by the model.
		triggered := l.recordCalls(content.Text(), calls)
		if selfReport && !l.detector.Disabled() {
			triggered = true
		}
		if triggered {
			proceed, err := l.runLoopGate(ctx, calls)
			if err != nil {
				return err
			}
			if !proceed {
				continue
			}
		}

		if len(calls) == 0 {
			if l.onEmptyBatch != nil {
				nudge, done := l.onEmptyBatch()
				if !done && nudge != "" {
					if err := l.history.AddUser(genai.UserContent(nudge)); err != nil {
						return err
					}
					continue
				}
			}
			l.emitter.Emit(EventTurnComplete, map[string]any{"text": content.Text()})
			return nil
		}

		rounds++
		if err := l.runBatch(ctx, calls, promptID); err != nil {
			return err
		}
	}
}

func (l *Loop) isCancelRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelRequested
}

// streamModelTurn opens one streaming model call and consumes it to the
// end, emitting incremental events as chunks arrive. selfReport is true
// when the provider flagged its own output as looping.
func (l *Loop) streamModelTurn(ctx context.Context, promptID string) (content genai.Content, calls []genai.FunctionCall, selfReport bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.streamCancel = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		l.streamCancel = nil
		l.mu.Unlock()
	}()

	systemPrompt := l.config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt, err = BuildSystemPrompt(l.env, l.config.Model, nil, l.config.UserInstructions)
		if err != nil {
			return genai.Content{}, nil, false, err
		}
	}

	req := genai.Request{
		Model:        l.config.Model,
		SystemPrompt: systemPrompt,
		Contents:     l.history.Contents(),
		Tools:        l.registry.DeclarationsFiltered(l.config.ToolFilter),
		PromptID:     promptID,
	}

	ch, err := l.client.SendMessageStream(streamCtx, req)
	if err != nil {
		return genai.Content{}, nil, false, err
	}

	var textBuf, thoughtBuf []string
	var streamErr error
	for ev := range ch {
		switch ev.Type {
		case genai.StreamContent:
			textBuf = append(textBuf, ev.Text)
			l.emitter.Emit(EventTextDelta, map[string]any{"text": ev.Text})
		case genai.StreamThought:
			thoughtBuf = append(thoughtBuf, ev.Text)
			l.emitter.Emit(EventThought, map[string]any{"text": ev.Text})
		case genai.StreamFunctionCall:
			if ev.FunctionCall != nil {
				call := *ev.FunctionCall
				if call.ID == "" {
					call.ID = "call_" + uuid.New().String()[:8]
				}
				calls = append(calls, call)
			}
		case genai.StreamLoopDetected:
			selfReport = true
		case genai.StreamError:
			streamErr = ev.Err
		case genai.StreamFinished:
			// terminal; channel closes next
		}
	}

	if streamErr != nil {
		if l.isCancelRequested() {
			// A cancelled stream is not an error; the partial turn stands.
			streamErr = nil
		} else {
			return genai.Content{}, nil, false, streamErr
		}
	}

	var parts []genai.Part
	for _, th := range thoughtBuf {
		parts = append(parts, genai.ThoughtPart(th))
	}
	if text := joinChunks(textBuf); text != "" {
		parts = append(parts, genai.TextPart(text))
	}
	for i := range calls {
		parts = append(parts, genai.Part{Kind: genai.PartFunctionCall, FunctionCall: &calls[i]})
	}
	if len(parts) == 0 {
		parts = []genai.Part{genai.TextPart("")}
	}
	return genai.Content{Role: genai.RoleModel, Parts: parts}, calls, selfReport, nil
}

func joinChunks(chunks []string) string {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	var sb strings.Builder
	sb.Grow(total)
	for _, c := range chunks {
		sb.WriteString(c)
	}
	return sb.String()
}

// foldCancelledCalls answers function calls that never reached the
// scheduler with the same cancelled-record shape the scheduler uses.
func (l *Loop) foldCancelledCalls(calls []genai.FunctionCall) error {
	if len(calls) == 0 {
		return nil
	}
	respJSON, _ := json.Marshal(map[string]string{"output": "Tool call cancelled by user."})
	responses := make([]ToolCallResponse, len(calls))
	for i, call := range calls {
		responses[i] = ToolCallResponse{
			CallID: call.ID,
			Parts:  []genai.Part{genai.FunctionResponsePart(call.ID, call.Name, respJSON, false)},
			Err:    &CallError{Message: "cancelled by user", Type: "cancelled"},
		}
	}
	return l.history.FoldResponses(responses)
}

// recordCalls feeds the detector and reports whether the gate triggered.
func (l *Loop) recordCalls(text string, calls []genai.FunctionCall) bool {
	triggered := l.detector.RecordText(text)
	for _, call := range calls {
		if l.detector.RecordToolCall(call.Name, call.Args) {
			triggered = true
		}
	}
	return triggered
}

// runLoopGate suspends the loop on a detected repetition until the user
// chooses. Returns proceed=true when detection was disabled and the batch
// should execute anyway; proceed=false folds blocked responses and
// re-prompts the model.
func (l *Loop) runLoopGate(ctx context.Context, calls []genai.FunctionCall) (bool, error) {
	// Drop any stale choice from a previous gate before announcing this one.
	select {
	case <-l.gateCh:
	default:
	}
	l.emitter.Emit(EventLoopGate, map[string]any{
		"message": "Repetitive tool calls detected. The loop is paused until you choose whether to keep enforcing detection.",
	})

	var choice GateChoice
	select {
	case choice = <-l.gateCh:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	l.detector.Reset()
	if choice == GateDisableForSession {
		l.detector.Disable()
		return true, nil
	}

	// Keep enforcing: the batch is blocked, answered with synthetic error
	// responses so the history invariant holds, and the model is steered
	// away from the repetition. A self-reported loop with no batch needs
	// nothing folded.
	if len(calls) == 0 {
		return false, nil
	}
	blocked := jsonError("Tool call blocked: repetitive identical calls detected. Try a different approach.")
	var responses []ToolCallResponse
	for _, call := range calls {
		responses = append(responses, ToolCallResponse{
			CallID: call.ID,
			Parts:  []genai.Part{genai.FunctionResponsePart(call.ID, call.Name, blocked, true)},
			Err:    &CallError{Message: "blocked by loop detection", Type: "execution"},
		})
	}
	if err := l.history.FoldResponses(responses); err != nil {
		return false, err
	}
	return false, nil
}

// runBatch schedules and executes one tool-call batch, then folds the
// responses into history.
func (l *Loop) runBatch(ctx context.Context, calls []genai.FunctionCall, promptID string) error {
	requests := make([]ToolCallRequest, len(calls))
	for i, call := range calls {
		requests[i] = ToolCallRequest{
			CallID:   call.ID,
			Name:     call.Name,
			Args:     call.Args,
			PromptID: promptID,
		}
	}

	done := make(chan struct{})
	sched := NewScheduler(SchedulerOptions{
		Registry:      l.registry,
		Bus:           l.bus,
		Emitter:       l.emitter,
		CharLimits:    l.config.CharLimits,
		LineLimits:    l.config.LineLimits,
		OnAllComplete: func([]*TrackedToolCall) { close(done) },
	})

	l.mu.Lock()
	l.scheduler = sched
	l.mu.Unlock()

	sched.Schedule(ctx, requests)

	// Surface the waiting state while any call sits on the gate.
	for _, tc := range sched.Calls() {
		if tc.Status == StatusAwaitingApproval {
			l.setState(StateWaitingForConfirmation)
			break
		}
	}

	sched.Execute(ctx)
	<-done
	l.setState(StateResponding)

	l.mu.Lock()
	l.scheduler = nil
	l.mu.Unlock()

	responses := sched.Responses()
	if err := l.history.FoldResponses(responses); err != nil {
		return err
	}
	ids := make([]string, len(responses))
	allFailed := len(responses) > 0
	for i, r := range responses {
		ids[i] = r.CallID
		if r.Err == nil {
			allFailed = false
		}
	}
	sched.MarkSubmitted(ids)

	if allFailed {
		// The model gets the errors in the folded responses; a steering
		// note makes the situation explicit.
		l.Steer("All tool calls in the previous batch failed. Reconsider the approach before retrying.")
	}
	return nil
}

func (l *Loop) setState(s StreamingState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cancelRequested || s == StateIdle {
		l.streaming = s
	}
}

func (l *Loop) drainSteering() {
	l.mu.Lock()
	messages := l.steering
	l.steering = nil
	l.mu.Unlock()

	for _, msg := range messages {
		if err := l.history.AddUser(genai.UserContent(msg)); err != nil {
			l.logger.Warn("dropping steering message", "error", err)
		}
	}
}

// checkContextUsage warns once the history approaches the model's context
// window.
func (l *Loop) checkContextUsage() {
	window := genai.ContextWindowFor(l.config.Model)
	approx := l.history.ApproxTokens()
	if approx > int(float64(window)*0.8) {
		pct := approx * 100 / window
		l.emitter.Emit(EventWarning, map[string]any{
			"message": fmt.Sprintf("Context usage at ~%d%% of the model's window", pct),
		})
	}
}

func jsonError(message string) []byte {
	return []byte(fmt.Sprintf(`{"error":%q}`, message))
}
