// Command agentworld hosts a multi-agent world over a durable store and an
// interactive terminal chat session.
//
// Configuration comes from agentworld.toml (path overridable via
// AGENTWORLD_CONFIG) with environment overrides. Agents declared in config
// are created on first run; afterwards they reload with their stored memory.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	agentworld "github.com/yysun/agent-world-sub010"
	"github.com/yysun/agent-world-sub010/internal/config"
	"github.com/yysun/agent-world-sub010/observer"
	"github.com/yysun/agent-world-sub010/provider/resolve"
	"github.com/yysun/agent-world-sub010/store/postgres"
	"github.com/yysun/agent-world-sub010/store/sqlite"
	"github.com/yysun/agent-world-sub010/tools/document"
	"github.com/yysun/agent-world-sub010/tools/shell"
	"github.com/yysun/agent-world-sub010/tools/web"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// 1. Load config
	cfg := config.Load(os.Getenv("AGENTWORLD_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (off unless [observer] enables it)
	var inst *observer.Instruments
	var tracer agentworld.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
		tracer = observer.NewTracer()
	}

	// 3. Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	// 4. Providers: resolved per agent, wrapped with retry (and
	// instrumentation when the observer is on).
	providers := newProviderCache(cfg, inst)

	// 5. Approval policy
	checker := agentworld.NewApprovalChecker()
	if len(cfg.Approval.Keywords) > 0 {
		checker.Keywords = cfg.Approval.Keywords
	}
	if len(cfg.Approval.RedactKeys) > 0 {
		checker.RedactKeys = cfg.Approval.RedactKeys
	}

	// 6. World: reuse by name, create on first run.
	opts := []agentworld.WorldOption{
		agentworld.WithLogger(logger),
		agentworld.WithProviderResolver(providers.resolve),
		agentworld.WithApprovalChecker(checker),
	}
	if tracer != nil {
		opts = append(opts, agentworld.WithTracer(tracer))
	}
	if title, err := providers.titleProvider(); err == nil {
		opts = append(opts, agentworld.WithTitleProvider(title))
	}
	world, err := openWorld(ctx, store, cfg.World.Name, opts)
	if err != nil {
		return err
	}

	// 7. Tools
	addTool := func(t agentworld.Tool) {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		world.AddTool(t)
	}
	addTool(shell.New(cfg.Shell.Workspace, cfg.Shell.TimeoutSeconds))
	addTool(web.New())
	addTool(document.New(cfg.Shell.Workspace))

	// 8. Agents from config
	if err := syncAgents(ctx, world, cfg); err != nil {
		return err
	}

	agentworld.SetStreaming(cfg.World.Streaming)

	// 9. Chat session
	if world.CurrentChatID() == "" {
		if _, err := world.NewChat(ctx); err != nil {
			return fmt.Errorf("new chat: %w", err)
		}
	}

	replErr := newRepl(world, os.Stdin, os.Stdout).run(ctx)

	// 10. Bounded drain of in-flight turns, then release the world.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := world.Shutdown(drainCtx); err != nil {
		logger.Warn("shutdown drain incomplete", "error", err)
	}
	return replErr
}

// openStore builds the configured Store backend. The returned func releases
// the underlying connection; Init is the caller's job.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (agentworld.Store, func(), error) {
	switch cfg.Database.Backend {
	case "memory":
		return agentworld.NewMemoryStore(), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	default:
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		return s, func() { _ = s.Close() }, nil
	}
}

// openWorld loads the world named in config, creating it on first run.
func openWorld(ctx context.Context, store agentworld.Store, name string, opts []agentworld.WorldOption) (*agentworld.World, error) {
	worlds, err := store.ListWorlds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	for _, info := range worlds {
		if info.Name == name {
			return agentworld.LoadWorld(ctx, store, info.ID, opts...)
		}
	}
	return agentworld.CreateWorld(ctx, store, name, opts...)
}

// syncAgents creates the config-declared agents that do not exist yet.
// Existing agents keep their stored memory and settings.
func syncAgents(ctx context.Context, world *agentworld.World, cfg config.Config) error {
	for _, a := range cfg.Agents {
		if _, err := world.GetAgent(ctx, a.ID); err == nil {
			continue
		}
		_, err := world.CreateAgent(ctx, agentworld.Agent{
			ID:           a.ID,
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Provider:     a.Provider,
			Model:        a.Model,
			Temperature:  a.Temperature,
			TurnLimit:    a.TurnLimit,
		})
		if err != nil {
			return fmt.Errorf("create agent %s: %w", a.ID, err)
		}
	}
	return nil
}

// providerCache resolves agents to providers, reusing one instance per
// provider/model/key combination. API keys never persist with the agent;
// they come from config at resolution time.
type providerCache struct {
	mu    sync.Mutex
	cfg   config.Config
	inst  *observer.Instruments
	built map[string]agentworld.Provider
	keys  map[string]string // agent id -> configured api key
}

func newProviderCache(cfg config.Config, inst *observer.Instruments) *providerCache {
	keys := make(map[string]string, len(cfg.Agents))
	for _, a := range cfg.Agents {
		keys[a.ID] = a.APIKey
	}
	return &providerCache{cfg: cfg, inst: inst, built: make(map[string]agentworld.Provider), keys: keys}
}

func (c *providerCache) resolve(agent *agentworld.Agent) (agentworld.Provider, error) {
	name, model := agent.Provider, agent.Model
	if name == "" {
		name = c.cfg.LLM.Provider
	}
	if model == "" {
		model = c.cfg.LLM.Model
	}
	apiKey := c.keys[agent.ID]
	if apiKey == "" {
		apiKey = c.cfg.LLM.APIKey
	}
	return c.build(name, model, apiKey, agent.Temperature)
}

func (c *providerCache) titleProvider() (agentworld.Provider, error) {
	return c.build(c.cfg.LLM.Provider, c.cfg.LLM.Model, c.cfg.LLM.APIKey, 0)
}

func (c *providerCache) build(name, model, apiKey string, temperature float64) (agentworld.Provider, error) {
	key := fmt.Sprintf("%s|%s|%s|%g", name, model, apiKey, temperature)

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.built[key]; ok {
		return p, nil
	}

	rc := resolve.Config{Provider: name, Model: model, APIKey: apiKey}
	if temperature > 0 {
		rc.Temperature = &temperature
	}
	p, err := resolve.Provider(rc)
	if err != nil {
		return nil, err
	}
	if c.inst != nil {
		p = observer.WrapProvider(p, model, c.inst)
	}
	p = agentworld.WithRetry(p)
	c.built[key] = p
	return p, nil
}
