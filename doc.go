// Package agentworld is a message-passing runtime for multi-agent LLM
// systems in Go.
//
// A World hosts a set of LLM-backed agents around a shared event bus. Agents
// observe every message published into the world, decide autonomously whether
// to respond, stream their responses back onto the bus, execute tools under a
// per-chat human approval model, and persist every event to storage.
//
// # Quick Start
//
// Create a world over a store, add an agent and a tool, and publish:
//
//	store := sqlite.New("agentworld.db")
//	provider, _ := resolve.Provider(resolve.Config{Provider: "openai", APIKey: key, Model: "gpt-4o-mini"})
//
//	world, _ := agentworld.CreateWorld(ctx, store, "my world",
//		agentworld.WithProvider(agentworld.WithRetry(provider)),
//		agentworld.WithTools(shell.New(workspace, 60)),
//	)
//	world.CreateAgent(ctx, agentworld.Agent{ID: "helper", SystemPrompt: "You are helpful."})
//
//	world.NewChat(ctx)
//	world.Bus().Subscribe(agentworld.EventSSE, func(e agentworld.Event) error {
//		fmt.Print(e.SSE.Content)
//		return nil
//	})
//	world.PublishMessage("hello!", agentworld.SenderHuman, "")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Store] — persistence for worlds, agents, chats, and events
//   - [Tool] — pluggable capability for LLM function calling
//   - [Tracer] — optional span hooks for orchestration and tool spans
//
// # Included Implementations
//
// Providers: provider/openai (OpenAI and compatible APIs), provider/anthropic
// (Claude), provider/google (Gemini), with retry and rate-limit middleware in
// the root package.
// Storage: the in-process MemoryStore (here), store/sqlite (local),
// store/postgres (shared).
// Tools: tools/shell, tools/web, tools/document.
// Observability: observer (OpenTelemetry traces, metrics, logs, and cost).
//
// See the cmd/agentworld directory for a complete terminal application.
package agentworld
