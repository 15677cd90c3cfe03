package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gemloop/gemloop/genai"
	"github.com/gemloop/gemloop/policy"
	"github.com/gemloop/gemloop/tools"
)

// scriptedClient replays a fixed sequence of streaming turns.
type scriptedClient struct {
	mu    sync.Mutex
	turns [][]genai.StreamEvent
	idx   int
}

func (c *scriptedClient) SendMessageStream(ctx context.Context, req genai.Request) (<-chan genai.StreamEvent, error) {
	c.mu.Lock()
	var script []genai.StreamEvent
	if c.idx < len(c.turns) {
		script = c.turns[c.idx]
	} else {
		script = []genai.StreamEvent{{Type: genai.StreamFinished}}
	}
	c.idx++
	c.mu.Unlock()

	ch := make(chan genai.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx
}

func textTurn(text string) []genai.StreamEvent {
	return []genai.StreamEvent{
		{Type: genai.StreamContent, Text: text},
		{Type: genai.StreamFinished},
	}
}

func callTurn(id, name, args string) []genai.StreamEvent {
	return []genai.StreamEvent{
		{Type: genai.StreamFunctionCall, FunctionCall: &genai.FunctionCall{ID: id, Name: name, Args: json.RawMessage(args)}},
		{Type: genai.StreamFinished},
	}
}

func loopFixture(t *testing.T, client ModelStreamer, reg *tools.Registry, config Config) *Loop {
	t.Helper()
	if config.Model == "" {
		config.Model = "gemini-3-flash-preview"
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = "test agent"
	}
	engine := policy.NewEngine(policy.ApprovalYolo)
	bus := policy.NewBus(engine, nil)
	return NewLoop(client, reg, engine, bus, nil, nil, config)
}

func TestLoopTextOnlyTurnGoesIdle(t *testing.T) {
	client := &scriptedClient{turns: [][]genai.StreamEvent{textTurn("hello there")}}
	loop := loopFixture(t, client, tools.NewRegistry(), Config{})

	if err := loop.SubmitQuery(context.Background(), "hi"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}

	if loop.State() != StateIdle {
		t.Errorf("state = %v, want idle", loop.State())
	}
	history := loop.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Role != genai.RoleModel || history[1].Text() != "hello there" {
		t.Errorf("model entry = %+v", history[1])
	}
}

func TestLoopExecutesToolBatchAndFoldsResponses(t *testing.T) {
	var ran atomic.Int32
	reg := tools.NewRegistry()
	reg.Register(&tools.FuncTool{
		ToolName:   "probe",
		ToolKind:   tools.KindReadOnly,
		ToolSchema: map[string]any{"type": "object"},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			ran.Add(1)
			return tools.ToolResult{Content: "probe result"}, nil
		},
	})

	client := &scriptedClient{turns: [][]genai.StreamEvent{
		callTurn("c1", "probe", `{}`),
		textTurn("all done"),
	}}
	loop := loopFixture(t, client, reg, Config{})

	if err := loop.SubmitQuery(context.Background(), "run the probe"); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}

	if ran.Load() != 1 {
		t.Fatalf("tool ran %d times, want 1", ran.Load())
	}
	history := loop.History()
	// user, model(call), user(response), model(text)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	resps := history[2].FunctionResponses()
	if len(resps) != 1 || resps[0].ID != "c1" {
		t.Errorf("folded responses = %+v", resps)
	}
	if history[3].Text() != "all done" {
		t.Errorf("final text = %q", history[3].Text())
	}
}

func TestLoopCancelWhileIdle(t *testing.T) {
	loop := loopFixture(t, &scriptedClient{}, tools.NewRegistry(), Config{})
	loop.Cancel()
	if loop.State() != StateIdle {
		t.Errorf("state = %v, want idle immediately", loop.State())
	}
}

func TestLoopCancelDuringToolExecutionLetsToolFinish(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := tools.NewRegistry()
	reg.Register(&tools.FuncTool{
		ToolName:   "slow",
		ToolKind:   tools.KindReadOnly,
		ToolSchema: map[string]any{"type": "object"},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			close(started)
			<-release
			return tools.ToolResult{Content: "finished anyway"}, nil
		},
	})

	client := &scriptedClient{turns: [][]genai.StreamEvent{
		callTurn("c1", "slow", `{}`),
		textTurn("should never be reached"),
	}}
	loop := loopFixture(t, client, reg, Config{})

	done := make(chan error, 1)
	go func() { done <- loop.SubmitQuery(context.Background(), "go slow") }()

	<-started
	loop.Cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitQuery: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SubmitQuery did not return")
	}

	if got := client.callCount(); got != 1 {
		t.Errorf("model called %d times after cancel, want 1", got)
	}
	// The executing tool reached its own terminal state; its response is
	// in history.
	history := loop.History()
	resps := history[len(history)-1].FunctionResponses()
	if len(resps) != 1 || resps[0].IsError {
		t.Errorf("tool response = %+v, want non-error completion", resps)
	}
	if loop.State() != StateIdle {
		t.Errorf("state = %v, want idle", loop.State())
	}
}

// hangingStreamClient emits one function call, then holds the stream open
// until the request context is cancelled. Later turns reply with text.
type hangingStreamClient struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
}

func (c *hangingStreamClient) SendMessageStream(ctx context.Context, req genai.Request) (<-chan genai.StreamEvent, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	ch := make(chan genai.StreamEvent, 4)
	if !first {
		ch <- genai.StreamEvent{Type: genai.StreamContent, Text: "second turn"}
		ch <- genai.StreamEvent{Type: genai.StreamFinished}
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		ch <- genai.StreamEvent{Type: genai.StreamFunctionCall, FunctionCall: &genai.FunctionCall{ID: "c1", Name: "probe_tool", Args: json.RawMessage(`{}`)}}
		close(c.started)
		<-ctx.Done()
		ch <- genai.StreamEvent{Type: genai.StreamError, Err: ctx.Err()}
	}()
	return ch, nil
}

func TestLoopCancelDuringStreamAnswersPendingCalls(t *testing.T) {
	client := &hangingStreamClient{started: make(chan struct{})}
	loop := loopFixture(t, client, tools.NewRegistry(), Config{})

	done := make(chan error, 1)
	go func() { done <- loop.SubmitQuery(context.Background(), "go") }()

	<-client.started
	loop.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitQuery: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SubmitQuery did not return")
	}

	if unanswered := loop.history.UnansweredCalls(); len(unanswered) != 0 {
		t.Fatalf("unanswered calls after cancel = %v", unanswered)
	}
	history := loop.History()
	resps := history[len(history)-1].FunctionResponses()
	if len(resps) != 1 || resps[0].ID != "c1" || resps[0].IsError {
		t.Errorf("cancelled-call response = %+v", resps)
	}

	// The conversation must still accept the next query.
	if err := loop.SubmitQuery(context.Background(), "again"); err != nil {
		t.Fatalf("second SubmitQuery: %v", err)
	}
	history = loop.History()
	if history[len(history)-1].Text() != "second turn" {
		t.Errorf("final text = %q", history[len(history)-1].Text())
	}
}

func TestLoopGateBlocksThirdIdenticalCall(t *testing.T) {
	var ran atomic.Int32
	reg := tools.NewRegistry()
	reg.Register(&tools.FuncTool{
		ToolName:   "probe",
		ToolKind:   tools.KindReadOnly,
		ToolSchema: map[string]any{"type": "object"},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			ran.Add(1)
			return tools.ToolResult{Content: "same"}, nil
		},
	})

	identical := `{"path":"a.txt"}`
	client := &scriptedClient{turns: [][]genai.StreamEvent{
		callTurn("c1", "probe", identical),
		callTurn("c2", "probe", identical),
		callTurn("c3", "probe", identical),
		textTurn("moving on"),
	}}
	loop := loopFixture(t, client, reg, Config{})

	done := make(chan error, 1)
	go func() { done <- loop.SubmitQuery(context.Background(), "repeat yourself") }()

	gateSeen := false
	for ev := range loop.Events() {
		if ev.Kind == EventLoopGate {
			gateSeen = true
			loop.ResolveLoopGate(GateKeepEnforcing)
		}
		if ev.Kind == EventIdle {
			break
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if !gateSeen {
		t.Fatal("loop gate never fired")
	}
	if got := ran.Load(); got != 2 {
		t.Errorf("tool ran %d times, want 2 (third identical call blocked)", got)
	}
}

func TestLoopGateDisableForSessionExecutesBatch(t *testing.T) {
	var ran atomic.Int32
	reg := tools.NewRegistry()
	reg.Register(&tools.FuncTool{
		ToolName:   "probe",
		ToolKind:   tools.KindReadOnly,
		ToolSchema: map[string]any{"type": "object"},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			ran.Add(1)
			return tools.ToolResult{Content: "same"}, nil
		},
	})

	identical := `{"path":"a.txt"}`
	client := &scriptedClient{turns: [][]genai.StreamEvent{
		callTurn("c1", "probe", identical),
		callTurn("c2", "probe", identical),
		callTurn("c3", "probe", identical),
		callTurn("c4", "probe", identical),
		textTurn("done"),
	}}
	loop := loopFixture(t, client, reg, Config{})

	done := make(chan error, 1)
	go func() { done <- loop.SubmitQuery(context.Background(), "repeat yourself") }()

	for ev := range loop.Events() {
		if ev.Kind == EventLoopGate {
			loop.ResolveLoopGate(GateDisableForSession)
		}
		if ev.Kind == EventIdle {
			break
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if got := ran.Load(); got != 4 {
		t.Errorf("tool ran %d times, want 4 (detection disabled)", got)
	}
	if !loop.detector.Disabled() {
		t.Error("detector still enabled after GateDisableForSession")
	}
}

func TestLoopTurnLimit(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.FuncTool{
		ToolName:   "probe",
		ToolKind:   tools.KindReadOnly,
		ToolSchema: map[string]any{"type": "object"},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			return tools.ToolResult{Content: "ok"}, nil
		},
	})

	client := &scriptedClient{turns: [][]genai.StreamEvent{
		callTurn("c1", "probe", `{"n":1}`),
		callTurn("c2", "probe", `{"n":2}`),
		callTurn("c3", "probe", `{"n":3}`),
	}}
	loop := loopFixture(t, client, reg, Config{MaxToolRounds: 2})

	done := make(chan error, 1)
	go func() { done <- loop.SubmitQuery(context.Background(), "keep going") }()

	limitSeen := false
	for ev := range loop.Events() {
		if ev.Kind == EventTurnLimit {
			limitSeen = true
		}
		if ev.Kind == EventIdle {
			break
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if !limitSeen {
		t.Error("turn limit event never fired")
	}
	if got := client.callCount(); got != 2 {
		t.Errorf("model called %d times, want 2", got)
	}
}

func TestLoopStreamErrorIsTerminal(t *testing.T) {
	client := &scriptedClient{turns: [][]genai.StreamEvent{
		{{Type: genai.StreamError, Err: context.DeadlineExceeded}},
	}}
	loop := loopFixture(t, client, tools.NewRegistry(), Config{})

	if err := loop.SubmitQuery(context.Background(), "hi"); err == nil {
		t.Fatal("expected stream error to surface")
	}
	if loop.State() != StateIdle {
		t.Errorf("state = %v, want idle after failure", loop.State())
	}
}

func TestLoopTimeBudget(t *testing.T) {
	client := &scriptedClient{turns: [][]genai.StreamEvent{textTurn("never streamed")}}
	loop := loopFixture(t, client, tools.NewRegistry(), Config{MaxDuration: time.Nanosecond})

	err := loop.SubmitQuery(context.Background(), "hi")
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
