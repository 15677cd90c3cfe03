// Package agent implements the interactive coding-agent turn loop.
//
// A Loop pairs a streaming language model with a tool registry and drives
// the conversation: it sends the history to the model, executes the tool
// calls the model requests through a per-batch Scheduler, folds the
// results back into the history, and repeats until the model stops
// calling tools. Confirmation of side-effecting calls flows through the
// policy package's bus; repetition is caught by a LoopDetector that
// pauses the loop for a user decision.
//
// Sub-agents reuse the same loop with a fresh History and ContextState.
// A SubAgentRunner executes a Scope until its declared outputs have been
// emitted, its time budget runs out, or the loop fails.
//
// # Quick Start
//
//	registry := tools.NewRegistry()
//	tools.RegisterCoreTools(registry, env, 2*time.Minute, 10*time.Minute)
//
//	engine := policy.NewEngine(policy.ApprovalDefault)
//	bus := policy.NewBus(engine, logger)
//	loop := agent.NewLoop(client, registry, engine, bus, env, logger, agent.Config{
//	    Model: "gemini-3-flash-preview",
//	})
//
//	go loop.SubmitQuery(ctx, "Create a hello.py file")
//	for event := range loop.Events() {
//	    fmt.Printf("[%s] %v\n", event.Kind, event.Data)
//	}
package agent
