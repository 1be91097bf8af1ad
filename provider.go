package agentworld

import "context"

// Provider abstracts the LLM backend. Tool definitions ride on ChatRequest,
// so a single Chat call covers both plain text and tool-calling turns.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text deltas into ch, then returns the final
	// response with any tool calls and usage stats. Implementations close
	// ch before returning, on success and on error.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}
