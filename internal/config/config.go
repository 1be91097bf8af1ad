package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	World    WorldConfig    `toml:"world"`
	LLM      LLMConfig      `toml:"llm"`
	Agents   []AgentConfig  `toml:"agents"`
	Database DatabaseConfig `toml:"database"`
	Approval ApprovalConfig `toml:"approval"`
	Shell    ShellConfig    `toml:"shell"`
	Observer ObserverConfig `toml:"observer"`
}

type WorldConfig struct {
	Name      string `toml:"name"`
	TurnLimit int    `toml:"turn_limit"`
	Streaming bool   `toml:"streaming"`
}

// LLMConfig is the default provider for agents that carry no override.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type AgentConfig struct {
	ID           string  `toml:"id"`
	Name         string  `toml:"name"`
	SystemPrompt string  `toml:"system_prompt"`
	Provider     string  `toml:"provider"`
	Model        string  `toml:"model"`
	APIKey       string  `toml:"api_key"`
	Temperature  float64 `toml:"temperature"`
	TurnLimit    int     `toml:"turn_limit"`
}

type DatabaseConfig struct {
	Backend     string `toml:"backend"` // "sqlite", "postgres", or "memory"
	Path        string `toml:"path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type ApprovalConfig struct {
	Keywords   []string `toml:"keywords"`
	RedactKeys []string `toml:"redact_keys"`
}

type ShellConfig struct {
	Workspace      string `toml:"workspace"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		World:    WorldConfig{Name: "world", TurnLimit: 5, Streaming: true},
		LLM:      LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Database: DatabaseConfig{Backend: "sqlite", Path: "agentworld.db"},
		Shell:    ShellConfig{Workspace: filepath.Join(home, "agentworld-workspace"), TimeoutSeconds: 60},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "agentworld.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("AGENTWORLD_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AGENTWORLD_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGENTWORLD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTWORLD_DB_BACKEND"); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv("AGENTWORLD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("AGENTWORLD_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if os.Getenv("AGENTWORLD_OBSERVER_ENABLED") == "true" || os.Getenv("AGENTWORLD_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	switch os.Getenv("AGENTWORLD_STREAMING") {
	case "true", "1":
		cfg.World.Streaming = true
	case "false", "0":
		cfg.World.Streaming = false
	}

	// Fallbacks
	if cfg.World.TurnLimit <= 0 {
		cfg.World.TurnLimit = 5
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Provider == "" {
			a.Provider = cfg.LLM.Provider
		}
		if a.Model == "" {
			a.Model = cfg.LLM.Model
		}
		if a.APIKey == "" {
			a.APIKey = cfg.LLM.APIKey
		}
		if a.TurnLimit <= 0 {
			a.TurnLimit = cfg.World.TurnLimit
		}
	}

	return cfg
}
