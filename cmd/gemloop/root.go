package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gemloop/gemloop/agent"
	"github.com/gemloop/gemloop/config"
	"github.com/gemloop/gemloop/edit"
	"github.com/gemloop/gemloop/genai"
	"github.com/gemloop/gemloop/policy"
	"github.com/gemloop/gemloop/tools"
)

const maxShellTimeout = 10 * time.Minute

var (
	toolColor    = color.New(color.FgCyan)
	errColor     = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	thoughtColor = color.New(color.Faint)
	promptColor  = color.New(color.FgGreen, color.Bold)
)

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		model        string
		approvalMode string
		yolo         bool
		oneShot      string
		maxRounds    int
	)

	cmd := &cobra.Command{
		Use:   "gemloop",
		Short: "An LLM coding agent for your repository",
		Long: `gemloop runs an interactive coding agent in the current directory.
The model reads, searches, and edits files through tools; anything with
side effects asks for confirmation unless auto-approval is configured.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Model = model
			}
			if approvalMode != "" {
				cfg.ApprovalMode = approvalMode
			}
			if yolo {
				cfg.ApprovalMode = string(policy.ApprovalYolo)
			}
			if maxRounds > 0 {
				cfg.MaxToolRounds = maxRounds
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, oneShot)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a gemloop.yaml config file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (see 'gemloop models')")
	cmd.Flags().StringVar(&approvalMode, "approval-mode", "", "default, auto_edit, or yolo")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "auto-approve every tool call")
	cmd.Flags().StringVarP(&oneShot, "prompt", "p", "", "run a single prompt and exit")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "override the tool-round budget per prompt")

	cmd.AddCommand(newModelsCmd())
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range genai.ListModels("") {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-10s %s\n", m.ID, m.Provider, m.DisplayName)
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config, oneShot string) error {
	logger := cfg.Logger(os.Stderr)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	env := tools.NewLocalEnvironment(cwd)

	provider := cfg.Provider
	if provider == "" {
		if info := genai.GetModelInfo(cfg.Model); info != nil {
			provider = info.Provider
		} else {
			return fmt.Errorf("unknown model %q; set provider explicitly", cfg.Model)
		}
	}
	adapter, err := genai.NewGollmAdapter(provider, cfg.APIKey, genai.WithModel(cfg.Model))
	if err != nil {
		return err
	}
	client := genai.NewClient(
		genai.WithProvider(provider, adapter),
		genai.WithDefaultProvider(provider),
	)
	defer client.Close()

	registry := tools.NewRegistry()
	shellTimeout := time.Duration(cfg.ShellTimeoutSeconds) * time.Second
	tools.RegisterCoreTools(registry, env, shellTimeout, maxShellTimeout)
	registry.Register(edit.NewReplaceTool(env, edit.NewRepairer(client, cfg.Model)))

	var engineOpts []policy.EngineOption
	if len(cfg.AllowedTools) > 0 {
		engineOpts = append(engineOpts, policy.WithAllowedTools(cfg.AllowedTools...))
	}
	if len(cfg.DeniedTools) > 0 {
		engineOpts = append(engineOpts, policy.WithDeniedTools(cfg.DeniedTools...))
	}
	engine := policy.NewEngine(cfg.PolicyMode(), engineOpts...)
	bus := policy.NewBus(engine, logger)

	loop := agent.NewLoop(client, registry, engine, bus, env, logger, agent.Config{
		Model:            cfg.Model,
		UserInstructions: cfg.UserInstructions,
		MaxToolRounds:    cfg.MaxToolRounds,
		DisableDetection: cfg.DisableLoopDetection,
		CharLimits:       cfg.Truncation.CharLimits,
		LineLimits:       cfg.Truncation.LineLimits,
	})

	if len(cfg.Agents) > 0 {
		runner := agent.NewSubAgentRunner(client, registry, env, logger, loop.Emitter(), 0, cfg.MaxSubAgentDepth)
		agent.RegisterSpawnTool(registry, runner, buildScopes(cfg.Agents))
	}

	session := &session{
		loop:   loop,
		bus:    bus,
		reader: bufio.NewReader(os.Stdin),
	}

	if oneShot != "" {
		return session.runTurn(ctx, oneShot)
	}
	return session.repl(ctx)
}

func buildScopes(defs map[string]config.AgentScope) map[string]agent.Scope {
	scopes := make(map[string]agent.Scope, len(defs))
	for name, def := range defs {
		scopes[name] = agent.Scope{
			Name: name,
			Prompt: agent.PromptConfig{
				SystemPrompt:  def.SystemPrompt,
				QueryTemplate: def.QueryTemplate,
			},
			Model: agent.ModelConfig{Model: def.Model},
			Run: agent.RunConfig{
				MaxTime:  time.Duration(def.MaxTimeMinutes) * time.Minute,
				MaxTurns: def.MaxTurns,
			},
			Tools:   def.Tools,
			Outputs: def.Outputs,
		}
	}
	return scopes
}

type session struct {
	loop   *agent.Loop
	bus    *policy.Bus
	reader *bufio.Reader
}

func (s *session) repl(ctx context.Context) error {
	fmt.Println("gemloop ready. Type a request, or 'exit' to quit.")
	for {
		promptColor.Print("> ")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := s.runTurn(ctx, line); err != nil {
			errColor.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}

// runTurn submits one query and pumps loop and bus events until the loop
// goes idle again.
func (s *session) runTurn(ctx context.Context, query string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.loop.SubmitQuery(ctx, query) }()

	events := s.loop.Events()
	busEvents := s.bus.Events()
	for {
		select {
		case ev := <-events:
			if s.render(ev) {
				return <-errCh
			}
		case bev := <-busEvents:
			s.handleBusEvent(bev)
		case <-ctx.Done():
			s.loop.Cancel()
			return <-errCh
		}
	}
}

// render prints one loop event and reports whether the turn is over.
func (s *session) render(ev agent.Event) bool {
	switch ev.Kind {
	case agent.EventTextDelta:
		fmt.Print(ev.Data["text"])
	case agent.EventThought:
		thoughtColor.Printf("%v", ev.Data["text"])
	case agent.EventToolCallStart:
		toolColor.Printf("\n[%v] running...\n", ev.Data["tool_name"])
	case agent.EventToolCallEnd:
		if msg, failed := ev.Data["error"]; failed {
			errColor.Printf("[tool error] %v\n", msg)
		}
	case agent.EventLoopGate:
		s.promptLoopGate(ev)
	case agent.EventWarning:
		warnColor.Printf("\n%v\n", ev.Data["message"])
	case agent.EventError:
		errColor.Printf("\n%v\n", ev.Data["error"])
	case agent.EventTurnLimit:
		warnColor.Printf("\nStopped after %v tool rounds.\n", ev.Data["rounds"])
	case agent.EventSubAgentStart:
		toolColor.Printf("\n[agent %v] started\n", ev.Data["agent"])
	case agent.EventSubAgentEnd:
		toolColor.Printf("[agent %v] finished: %v\n", ev.Data["agent"], ev.Data["reason"])
	case agent.EventIdle:
		fmt.Println()
		return true
	}
	return false
}

func (s *session) handleBusEvent(ev policy.Event) {
	switch ev.Kind {
	case policy.EventAskUser:
		s.promptConfirmation(ev.Request)
	case policy.EventRejected:
		errColor.Printf("\n[%s] denied by policy\n", ev.Request.Call.Name)
	case policy.EventError:
		errColor.Fprintf(os.Stderr, "confirmation bus: %s\n", ev.Err)
	}
}

func (s *session) promptConfirmation(req *policy.ConfirmationRequest) {
	fmt.Println()
	warnColor.Printf("%s\n", req.Message)
	if req.Diff != "" {
		fmt.Println(req.Diff)
	}
	promptColor.Print("Approve? [y]es / [a]lways / [n]o: ")

	answer, err := s.reader.ReadString('\n')
	if err != nil {
		answer = "n"
	}
	var outcome policy.Outcome
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		outcome = policy.OutcomeProceedOnce
	case "a", "always":
		outcome = policy.OutcomeProceedAlways
	default:
		outcome = policy.OutcomeCancel
	}
	s.loop.ResolveConfirmation(req.CorrelationID, outcome)
}

func (s *session) promptLoopGate(ev agent.Event) {
	fmt.Println()
	warnColor.Printf("%v\n", ev.Data["message"])
	promptColor.Print("Keep loop detection enforcing? [y]es / [d]isable for session: ")

	answer, err := s.reader.ReadString('\n')
	if err != nil {
		answer = "y"
	}
	choice := agent.GateKeepEnforcing
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "d") {
		choice = agent.GateDisableForSession
	}
	s.loop.ResolveLoopGate(choice)
}
