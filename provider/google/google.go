// Package google implements the chat Provider interface on top of the
// Gemini API via the google.golang.org/genai SDK.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	agentworld "github.com/yysun/agent-world-sub010"
	"google.golang.org/genai"
)

// Provider implements agentworld.Provider using the Google Gen AI SDK.
type Provider struct {
	client      *genai.Client
	model       string
	name        string
	baseURL     string
	maxTokens   int32
	temperature *float32
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "google").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets a custom API base URL (e.g. a proxy).
func WithBaseURL(url string) ProviderOption {
	return func(p *Provider) { p.baseURL = url }
}

// WithMaxTokens caps completion length per request.
func WithMaxTokens(n int32) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float32) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// New creates a Gemini chat provider for the given model.
func New(apiKey, model string, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{model: model, name: "google"}
	for _, opt := range opts {
		opt(p)
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req agentworld.ChatRequest) (agentworld.ChatResponse, error) {
	contents, config := p.buildRequest(req)
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return agentworld.ChatResponse{}, p.wrapErr(err)
	}

	var out agentworld.ChatResponse
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, toolCallFromFunction(part.FunctionCall))
			}
		}
	}
	out.Content = text.String()
	readUsage(resp, &out.Usage)
	return out, nil
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. The channel is closed before returning, on success and on error.
func (p *Provider) ChatStream(ctx context.Context, req agentworld.ChatRequest, ch chan<- string) (agentworld.ChatResponse, error) {
	defer close(ch)

	contents, config := p.buildRequest(req)

	var out agentworld.ChatResponse
	var text strings.Builder

	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, config) {
		if err != nil {
			return agentworld.ChatResponse{}, p.wrapErr(err)
		}
		if resp == nil {
			continue
		}
		// Usage metadata normally arrives on the last chunk.
		readUsage(resp, &out.Usage)
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !part.Thought {
					text.WriteString(part.Text)
					select {
					case ch <- part.Text:
					case <-ctx.Done():
						return agentworld.ChatResponse{}, ctx.Err()
					}
				}
				if part.FunctionCall != nil {
					out.ToolCalls = append(out.ToolCalls, toolCallFromFunction(part.FunctionCall))
				}
			}
		}
	}
	out.Content = text.String()
	return out, nil
}

func (p *Provider) buildRequest(req agentworld.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if system := systemText(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if p.maxTokens > 0 {
		config.MaxOutputTokens = p.maxTokens
	}
	if p.temperature != nil {
		config.Temperature = genai.Ptr(*p.temperature)
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		config.Tools = tools
	}
	return convertMessages(req.Messages), config
}

// systemText joins system messages; Gemini takes the system prompt as a
// separate SystemInstruction.
func systemText(msgs []agentworld.ChatMessage) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == agentworld.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertMessages maps chat messages onto Gemini contents. Assistant turns
// become "model" role, and tool results become function response parts on a
// user turn. Gemini matches responses to calls by function name, so the
// wire format carries no call IDs.
func convertMessages(msgs []agentworld.ChatMessage) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case agentworld.RoleSystem:
			continue

		case agentworld.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Args) > 0 {
					if json.Unmarshal(tc.Args, &args) != nil {
						args = map[string]any{}
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}

		case agentworld.RoleTool:
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     functionNameForCall(m.ToolCallID, msgs),
						Response: map[string]any{"result": m.Content},
					},
				}},
			})

		default:
			if m.Content == "" {
				continue
			}
			out = append(out, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return out
}

// functionNameForCall resolves the function name for a tool result by
// scanning earlier assistant turns for the matching call ID.
func functionNameForCall(callID string, msgs []agentworld.ChatMessage) string {
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return callID
}

func convertTools(defs []agentworld.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(d.Parameters, &schemaMap); err != nil {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  convertSchema(schemaMap),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema maps a JSON Schema document onto Gemini's Schema type,
// which spells type names in uppercase.
func convertSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertSchema(pm)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = convertSchema(items)
	}
	return schema
}

// toolCallFromFunction converts a Gemini function call, generating a call ID
// when the API omitted one. Downstream bookkeeping requires every call to
// carry an ID.
func toolCallFromFunction(fc *genai.FunctionCall) agentworld.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil {
		args = []byte(`{}`)
	}
	id := fc.ID
	if id == "" {
		id = "call_" + agentworld.NewID()
	}
	return agentworld.ToolCall{ID: id, Name: fc.Name, Args: args}
}

func readUsage(resp *genai.GenerateContentResponse, usage *agentworld.Usage) {
	if resp.UsageMetadata == nil {
		return
	}
	usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
	usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
}

// wrapErr maps SDK errors to ErrHTTP so retry middleware can classify them.
func (p *Provider) wrapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &agentworld.ErrHTTP{Status: apiErr.Code, Body: apiErr.Message}
	}
	return &agentworld.ErrLLM{Provider: p.name, Message: err.Error()}
}

// Compile-time interface check.
var _ agentworld.Provider = (*Provider)(nil)
