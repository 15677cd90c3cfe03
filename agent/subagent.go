package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gemloop/gemloop/policy"
	"github.com/gemloop/gemloop/tools"
)

// DefaultMaxSubAgentDepth is how many levels of nested sub-agents are
// allowed. Depth 0 is the interactive agent itself.
const DefaultMaxSubAgentDepth = 1

// TerminateReason is why a sub-agent run ended.
type TerminateReason string

const (
	TerminateGoal    TerminateReason = "GOAL"
	TerminateTimeout TerminateReason = "TIMEOUT"
	TerminateError   TerminateReason = "ERROR"
)

// PromptConfig templates the sub-agent's instructions. Both fields support
// ${var} placeholders filled from the run inputs.
type PromptConfig struct {
	SystemPrompt  string
	QueryTemplate string
}

// ModelConfig selects the sub-agent's model.
type ModelConfig struct {
	Model string
}

// RunConfig bounds a sub-agent run.
type RunConfig struct {
	MaxTime  time.Duration // 0 means unlimited
	MaxTurns int           // 0 means the loop default
}

// Scope is the full definition of a spawnable sub-agent: its prompts, its
// model, its budgets, the tools it may call, and the outputs it must emit
// before it is considered done.
type Scope struct {
	Name    string
	Prompt  PromptConfig
	Model   ModelConfig
	Run     RunConfig
	Tools   []string
	Outputs map[string]string // output name to description
}

// NewScope builds a Scope from its three config blocks. Tools and Outputs
// are set on the returned value.
func NewScope(name string, prompt PromptConfig, model ModelConfig, run RunConfig) Scope {
	return Scope{Name: name, Prompt: prompt, Model: model, Run: run}
}

// Output is the result of a sub-agent run.
type Output struct {
	TerminateReason TerminateReason
	EmittedVars     map[string]string
}

// SubAgentRunner executes sub-agent scopes. Each run gets a fresh History
// and ContextState; nothing conversational is shared with the parent.
type SubAgentRunner struct {
	client ModelStreamer
	base   *tools.Registry
	env    tools.Environment
	logger *slog.Logger
	parent *Emitter
	depth  int
	maxDep int
}

// NewSubAgentRunner creates a runner at depth for the given shared
// infrastructure. parent may be nil when no event forwarding is wanted.
func NewSubAgentRunner(client ModelStreamer, base *tools.Registry, env tools.Environment, logger *slog.Logger, parent *Emitter, depth, maxDepth int) *SubAgentRunner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxSubAgentDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubAgentRunner{
		client: client,
		base:   base,
		env:    env,
		logger: logger,
		parent: parent,
		depth:  depth,
		maxDep: maxDepth,
	}
}

// CanSpawn reports whether another nesting level is allowed.
func (r *SubAgentRunner) CanSpawn() bool { return r.depth < r.maxDep }

// Run executes one scope to completion. TIMEOUT is a normal outcome and
// returns a nil error; loop failures return ERROR and re-raise the error.
func (r *SubAgentRunner) Run(ctx context.Context, scope Scope, inputs map[string]string) (Output, error) {
	state := NewContextState()
	for k, v := range inputs {
		if err := state.Set(k, v); err != nil {
			return Output{TerminateReason: TerminateError}, err
		}
	}

	systemPrompt, err := state.Template(scope.Prompt.SystemPrompt)
	if err != nil {
		return Output{TerminateReason: TerminateError}, err
	}
	query, err := state.Template(scope.Prompt.QueryTemplate)
	if err != nil {
		return Output{TerminateReason: TerminateError}, err
	}

	var mu sync.Mutex
	emitted := make(map[string]string)

	registry := r.base.Clone()
	registry.Register(newEmitValueTool(scope.Outputs, &mu, emitted))

	filter := append([]string{}, scope.Tools...)
	if len(scope.Outputs) > 0 {
		filter = append(filter, emitValueToolName)
	}

	// Sub-agents run without interactive gating: confirmation would block
	// forever with no user on the other end.
	engine := policy.NewEngine(policy.ApprovalYolo)
	bus := policy.NewBus(engine, r.logger)

	loop := NewLoop(r.client, registry, engine, bus, r.env, r.logger, Config{
		Model:         scope.Model.Model,
		SystemPrompt:  systemPrompt + "\n\n" + outputInstructions(scope.Outputs),
		MaxToolRounds: scope.Run.MaxTurns,
		MaxDuration:   scope.Run.MaxTime,
		ToolFilter:    filter,
	})
	loop.onEmptyBatch = func() (string, bool) {
		mu.Lock()
		missing := missingOutputs(scope.Outputs, emitted)
		mu.Unlock()
		if len(missing) == 0 {
			return "", true
		}
		return fmt.Sprintf(
			"You have not emitted the required output(s): %s. Use the %s tool to provide each before finishing.",
			strings.Join(missing, ", "), emitValueToolName,
		), false
	}

	if r.parent != nil {
		r.parent.Emit(EventSubAgentStart, map[string]any{"agent": scope.Name})
		go r.forward(scope.Name, loop.Events())
	}

	runErr := loop.SubmitQuery(ctx, query)
	loop.Emitter().Close()

	mu.Lock()
	vars := make(map[string]string, len(emitted))
	for k, v := range emitted {
		vars[k] = v
	}
	missing := missingOutputs(scope.Outputs, emitted)
	mu.Unlock()

	out := Output{EmittedVars: vars}
	switch {
	case errors.Is(runErr, ErrTimeout) || errors.Is(runErr, context.DeadlineExceeded):
		out.TerminateReason = TerminateTimeout
		runErr = nil
	case runErr != nil:
		out.TerminateReason = TerminateError
	case len(missing) > 0:
		out.TerminateReason = TerminateError
		runErr = fmt.Errorf("sub-agent %s stopped without emitting: %s", scope.Name, strings.Join(missing, ", "))
	default:
		out.TerminateReason = TerminateGoal
	}

	if r.parent != nil {
		r.parent.Emit(EventSubAgentEnd, map[string]any{
			"agent":  scope.Name,
			"reason": string(out.TerminateReason),
		})
	}
	return out, runErr
}

// forward relays a child loop's events onto the parent emitter, tagged
// with the agent name.
func (r *SubAgentRunner) forward(name string, events <-chan Event) {
	for ev := range events {
		// The child's idle marker would read as the parent going idle.
		if ev.Kind == EventIdle {
			continue
		}
		data := map[string]any{"agent": name}
		for k, v := range ev.Data {
			data[k] = v
		}
		r.parent.Emit(ev.Kind, data)
	}
}

func missingOutputs(declared map[string]string, emitted map[string]string) []string {
	var missing []string
	for name := range declared {
		if _, ok := emitted[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func outputInstructions(declared map[string]string) string {
	if len(declared) == 0 {
		return "When the task is complete, stop calling tools."
	}
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Before finishing, emit each of these outputs with the emit_value tool:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, declared[name])
	}
	return sb.String()
}

const emitValueToolName = "emit_value"

// newEmitValueTool builds the pseudo-tool a sub-agent uses to return its
// declared outputs. Last write wins on repeated emission of the same name.
func newEmitValueTool(declared map[string]string, mu *sync.Mutex, emitted map[string]string) tools.Tool {
	return &tools.FuncTool{
		ToolName:        emitValueToolName,
		ToolDescription: "Record a declared output value for this task. Call once per required output name.",
		ToolKind:        tools.KindReadOnly,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string", "description": "Declared output name"},
				"value": map[string]any{"type": "string", "description": "The value to record"},
			},
			"required": []any{"name", "value"},
		},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			parsed, err := tools.ParseArgs(args)
			if err != nil {
				return tools.ToolResult{}, err
			}
			name, _ := tools.StringArg(parsed, "name")
			value, _ := tools.StringArg(parsed, "value")
			if _, ok := declared[name]; !ok {
				return tools.ToolResult{}, fmt.Errorf("%q is not a declared output for this task", name)
			}
			mu.Lock()
			emitted[name] = value
			mu.Unlock()
			return tools.ToolResult{Content: fmt.Sprintf("Recorded output %q.", name)}, nil
		},
	}
}

// RegisterSpawnTool adds the spawn_agent tool backed by the runner and a
// set of named scopes. Registration is skipped at the depth ceiling.
func RegisterSpawnTool(registry *tools.Registry, runner *SubAgentRunner, scopes map[string]Scope) {
	if !runner.CanSpawn() {
		return
	}

	names := make([]string, 0, len(scopes))
	for name := range scopes {
		names = append(names, name)
	}
	sort.Strings(names)

	registry.Register(&tools.FuncTool{
		ToolName: "spawn_agent",
		ToolDescription: fmt.Sprintf(
			"Delegate a bounded task to a sub-agent. Available agents: %s. The sub-agent runs with its own conversation and returns its declared outputs.",
			strings.Join(names, ", "),
		),
		ToolKind: tools.KindOther,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{"type": "string", "description": "Which agent to spawn"},
				"inputs": map[string]any{
					"type":        "object",
					"description": "Input variables for the agent's prompt templates",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
			"required": []any{"agent_name"},
		},
		Run: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
			var params struct {
				AgentName string            `json:"agent_name"`
				Inputs    map[string]string `json:"inputs"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return tools.ToolResult{}, fmt.Errorf("invalid spawn_agent arguments: %w", err)
			}
			scope, ok := scopes[params.AgentName]
			if !ok {
				return tools.ToolResult{}, fmt.Errorf("unknown agent %q", params.AgentName)
			}

			child := NewSubAgentRunner(runner.client, runner.base, runner.env, runner.logger, runner.parent, runner.depth+1, runner.maxDep)
			out, err := child.Run(ctx, scope, params.Inputs)
			if err != nil && out.TerminateReason == TerminateError {
				return tools.ToolResult{}, err
			}

			payload, merr := json.Marshal(map[string]any{
				"terminate_reason": out.TerminateReason,
				"emitted_vars":     out.EmittedVars,
			})
			if merr != nil {
				return tools.ToolResult{}, merr
			}
			return tools.ToolResult{
				Content: string(payload),
				Display: fmt.Sprintf("Sub-agent %s finished: %s", params.AgentName, out.TerminateReason),
			}, nil
		},
	})
}
