// Package anthropic implements the chat Provider interface on top of the
// Anthropic Messages API via the official Go SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	agentworld "github.com/yysun/agent-world-sub010"
)

// defaultMaxTokens caps completions when WithMaxTokens is not given. The
// Messages API requires an explicit max_tokens on every request.
const defaultMaxTokens = 4096

// Provider implements agentworld.Provider using the Anthropic SDK.
type Provider struct {
	client      sdk.Client
	model       string
	name        string
	baseURL     string
	maxTokens   int64
	temperature *float64
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "anthropic").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets a custom API base URL (e.g. a proxy).
func WithBaseURL(url string) ProviderOption {
	return func(p *Provider) { p.baseURL = url }
}

// WithMaxTokens sets the completion cap sent on every request.
func WithMaxTokens(n int64) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// New creates an Anthropic chat provider for the given model. SDK-internal
// retries are disabled; retry policy belongs to the retry middleware.
func New(apiKey, model string, opts ...ProviderOption) *Provider {
	p := &Provider{model: model, name: "anthropic", maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(p)
	}
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = sdk.NewClient(clientOpts...)
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req agentworld.ChatRequest) (agentworld.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return agentworld.ChatResponse{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return agentworld.ChatResponse{}, p.wrapErr(err)
	}
	return parseMessage(msg), nil
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. The channel is closed before returning, on success and on error.
func (p *Provider) ChatStream(ctx context.Context, req agentworld.ChatRequest, ch chan<- string) (agentworld.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		close(ch)
		return agentworld.ChatResponse{}, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer close(ch)
	defer stream.Close()

	var content strings.Builder
	var resp agentworld.ChatResponse

	// Tool calls arrive in three phases: content_block_start carries the id
	// and name, input_json_delta events stream argument fragments, and
	// content_block_stop finalizes the call.
	var current *agentworld.ToolCall
	var inputJSON strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage := event.AsMessageStart().Message.Usage
			if usage.InputTokens > 0 {
				resp.Usage.InputTokens = int(usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &agentworld.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				inputJSON.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					select {
					case ch <- delta.Text:
					case <-ctx.Done():
						return agentworld.ChatResponse{}, ctx.Err()
					}
				}
			case "input_json_delta":
				inputJSON.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				args := json.RawMessage(inputJSON.String())
				if !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				current.Args = args
				resp.ToolCalls = append(resp.ToolCalls, *current)
				current = nil
			}

		case "message_delta":
			usage := event.AsMessageDelta().Usage
			if usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return agentworld.ChatResponse{}, p.wrapErr(err)
	}

	resp.Content = content.String()
	return resp, nil
}

func (p *Provider) buildParams(req agentworld.ChatRequest) (sdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if system := systemText(req.Messages); system != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: system}}
	}
	if p.temperature != nil {
		params.Temperature = sdk.Float(*p.temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// systemText joins system messages; the Messages API takes the system
// prompt separately from the conversation.
func systemText(msgs []agentworld.ChatMessage) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == agentworld.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertMessages maps chat messages onto Anthropic content blocks. System
// messages are filtered out (they ride on params.System), and tool results
// become tool_result blocks on a user message.
func convertMessages(msgs []agentworld.ChatMessage) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case agentworld.RoleSystem:
			continue

		case agentworld.RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return nil, fmt.Errorf("tool call %s: invalid args: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))

		case agentworld.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out, nil
}

func convertTools(defs []agentworld.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", d.Name, err)
		}
		tool := sdk.ToolUnionParamOfTool(schema, d.Name)
		if tool.OfTool != nil && d.Description != "" {
			tool.OfTool.Description = sdk.String(d.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}

func parseMessage(msg *sdk.Message) agentworld.ChatResponse {
	var resp agentworld.ChatResponse
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, agentworld.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}
	resp.Content = text.String()
	resp.Usage = agentworld.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

// wrapErr maps SDK errors to ErrHTTP so retry middleware can classify them,
// carrying Retry-After when the API sent one.
func (p *Provider) wrapErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		httpErr := &agentworld.ErrHTTP{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
		if apiErr.Response != nil {
			httpErr.RetryAfter = agentworld.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return httpErr
	}
	return &agentworld.ErrLLM{Provider: p.name, Message: err.Error()}
}

// Compile-time interface check.
var _ agentworld.Provider = (*Provider)(nil)
