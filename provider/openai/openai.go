// Package openai implements the chat Provider interface on top of the
// OpenAI chat completions API.
//
// Because it speaks the standard completions protocol, it also works with
// OpenAI-compatible endpoints (OpenRouter, Groq, Together, Ollama, vLLM)
// via WithBaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	agentworld "github.com/yysun/agent-world-sub010"
)

// Provider implements agentworld.Provider using the go-openai client.
type Provider struct {
	client      *openai.Client
	model       string
	name        string
	baseURL     string
	httpClient  *http.Client
	maxTokens   int
	temperature *float32
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish OpenAI-compatible endpoints in logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint
// (e.g. "http://localhost:11434/v1" for Ollama).
func WithBaseURL(url string) ProviderOption {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = c }
}

// WithMaxTokens caps completion length per request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float32) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// New creates an OpenAI chat provider for the given model.
func New(apiKey, model string, opts ...ProviderOption) *Provider {
	p := &Provider{model: model, name: "openai"}
	for _, opt := range opts {
		opt(p)
	}
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req agentworld.ChatRequest) (agentworld.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return agentworld.ChatResponse{}, p.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return agentworld.ChatResponse{}, &agentworld.ErrLLM{Provider: p.name, Message: "response has no choices"}
	}

	msg := resp.Choices[0].Message
	out := agentworld.ChatResponse{
		Content: msg.Content,
		Usage: agentworld.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agentworld.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: validArgs(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. The channel is closed before returning, on success and on error.
func (p *Provider) ChatStream(ctx context.Context, req agentworld.ChatRequest, ch chan<- string) (agentworld.ChatResponse, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		close(ch)
		return agentworld.ChatResponse{}, p.wrapErr(err)
	}
	defer close(ch)
	defer stream.Close()

	var content strings.Builder
	var usage agentworld.Usage

	// Tool calls stream incrementally: each fragment carries an index, and
	// arguments arrive as string pieces that accumulate per index.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return agentworld.ChatResponse{}, p.wrapErr(err)
		}

		// Usage arrives on a trailing chunk with no choices.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- delta.Content:
			case <-ctx.Done():
				return agentworld.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	out := agentworld.ChatResponse{Content: content.String(), Usage: usage}
	for _, tc := range toolCalls {
		out.ToolCalls = append(out.ToolCalls, agentworld.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: validArgs(tc.Args.String()),
		})
	}
	return out, nil
}

func (p *Provider) buildRequest(req agentworld.ChatRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
	}
	if p.maxTokens > 0 {
		out.MaxTokens = p.maxTokens
	}
	if p.temperature != nil {
		out.Temperature = *p.temperature
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func convertMessages(msgs []agentworld.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func convertTools(defs []agentworld.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

// validArgs returns args as JSON, substituting an empty object when the
// accumulated fragments never formed a valid document.
func validArgs(args string) json.RawMessage {
	raw := json.RawMessage(args)
	if !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// wrapErr maps SDK errors to ErrHTTP when a status code is known, so retry
// middleware can classify them, and to ErrLLM otherwise.
func (p *Provider) wrapErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &agentworld.ErrHTTP{Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &agentworld.ErrHTTP{Status: reqErr.HTTPStatusCode, Body: body}
	}
	return &agentworld.ErrLLM{Provider: p.name, Message: err.Error()}
}

// Compile-time interface check.
var _ agentworld.Provider = (*Provider)(nil)
