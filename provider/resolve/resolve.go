// Package resolve creates chat providers from provider-agnostic config.
package resolve

import (
	"fmt"
	"os"

	agentworld "github.com/yysun/agent-world-sub010"
	"github.com/yysun/agent-world-sub010/provider/anthropic"
	"github.com/yysun/agent-world-sub010/provider/google"
	"github.com/yysun/agent-world-sub010/provider/openai"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "anthropic", "google", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string // falls back to the provider's conventional env var
	Model    string
	BaseURL  string // auto-filled for known OpenAI-compatible providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	MaxTokens   *int
}

// Provider creates an agentworld.Provider from a provider-agnostic Config.
func Provider(cfg Config) (agentworld.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropicProvider(cfg), nil
	case "google", "gemini":
		return googleProvider(cfg)
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func anthropicProvider(cfg Config) agentworld.Provider {
	var opts []anthropic.ProviderOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, anthropic.WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens != nil {
		opts = append(opts, anthropic.WithMaxTokens(int64(*cfg.MaxTokens)))
	}
	return anthropic.New(apiKeyFor(cfg), cfg.Model, opts...)
}

func googleProvider(cfg Config) (agentworld.Provider, error) {
	var opts []google.ProviderOption
	if cfg.BaseURL != "" {
		opts = append(opts, google.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, google.WithTemperature(float32(*cfg.Temperature)))
	}
	if cfg.MaxTokens != nil {
		opts = append(opts, google.WithMaxTokens(int32(*cfg.MaxTokens)))
	}
	return google.New(apiKeyFor(cfg), cfg.Model, opts...)
}

func openaiProvider(cfg Config) agentworld.Provider {
	opts := []openai.ProviderOption{openai.WithName(cfg.Provider)}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, openai.WithTemperature(float32(*cfg.Temperature)))
	}
	if cfg.MaxTokens != nil {
		opts = append(opts, openai.WithMaxTokens(*cfg.MaxTokens))
	}
	return openai.New(apiKeyFor(cfg), cfg.Model, opts...)
}

// apiKeyFor falls back to the provider's conventional environment variable
// when the config carries no key.
func apiKeyFor(cfg Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	switch cfg.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "google", "gemini":
		if k := os.Getenv("GOOGLE_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GEMINI_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

// defaultBaseURL returns the endpoint for known OpenAI-compatible hosts.
// Plain "openai" returns empty; the SDK default covers it.
func defaultBaseURL(provider string) string {
	switch provider {
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
