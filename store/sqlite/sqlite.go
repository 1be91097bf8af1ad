// Package sqlite implements agentworld.Store on pure-Go SQLite.
// Zero CGO required; a single serialized connection avoids SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	agentworld "github.com/yysun/agent-world-sub010"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentworld.Store backed by a local SQLite file. Agent
// memory and event payloads are stored as JSON text; the relational columns
// exist for filtering, not for joins into message internals.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentworld.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, _ = s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			current_chat_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			system_prompt TEXT,
			provider TEXT,
			model TEXT,
			temperature REAL,
			turn_limit INTEGER NOT NULL DEFAULT 0,
			llm_call_count INTEGER NOT NULL DEFAULT 0,
			memory TEXT,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL,
			world_id TEXT NOT NULL,
			chat_id TEXT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chats_world ON chats(world_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_world_time ON events(world_id, timestamp)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_chat ON events(world_id, chat_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Worlds ---

func (s *Store) SaveWorld(ctx context.Context, info agentworld.WorldInfo) error {
	start := time.Now()
	s.logger.Debug("sqlite: save world", "id", info.ID, "name", info.Name)

	var current *string
	if info.CurrentChatID != "" {
		current = &info.CurrentChatID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO worlds (id, name, current_chat_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		info.ID, info.Name, current, info.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save world failed", "id", info.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save world: %w", err)
	}
	s.logger.Debug("sqlite: save world ok", "id", info.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetWorld(ctx context.Context, id string) (agentworld.WorldInfo, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get world", "id", id)

	var info agentworld.WorldInfo
	var current sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, current_chat_id, created_at FROM worlds WHERE id = ?`, id,
	).Scan(&info.ID, &info.Name, &current, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agentworld.WorldInfo{}, agentworld.ErrWorldNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get world failed", "id", id, "error", err, "duration", time.Since(start))
		return agentworld.WorldInfo{}, fmt.Errorf("get world: %w", err)
	}
	if current.Valid {
		info.CurrentChatID = current.String
	}
	s.logger.Debug("sqlite: get world ok", "id", id, "duration", time.Since(start))
	return info, nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]agentworld.WorldInfo, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list worlds")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, current_chat_id, created_at FROM worlds ORDER BY created_at`)
	if err != nil {
		s.logger.Error("sqlite: list worlds failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	var worlds []agentworld.WorldInfo
	for rows.Next() {
		var info agentworld.WorldInfo
		var current sql.NullString
		if err := rows.Scan(&info.ID, &info.Name, &current, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan world: %w", err)
		}
		if current.Valid {
			info.CurrentChatID = current.String
		}
		worlds = append(worlds, info)
	}
	s.logger.Debug("sqlite: list worlds ok", "count", len(worlds), "duration", time.Since(start))
	return worlds, rows.Err()
}

// DeleteWorld removes a world together with its agents, chats, and events.
func (s *Store) DeleteWorld(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete world", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM worlds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agentworld.ErrWorldNotFound
	}
	for _, q := range []string{
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
		`DELETE FROM events WHERE world_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete world rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete world commit failed", "id", id, "error", err)
		return err
	}
	s.logger.Debug("sqlite: delete world ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, worldID string, agent agentworld.Agent) error {
	start := time.Now()
	s.logger.Debug("sqlite: save agent", "world_id", worldID, "id", agent.ID, "memory_len", len(agent.Memory))

	if err := agentworld.ValidateAgentMemory(&agent); err != nil {
		return err
	}
	memJSON, err := json.Marshal(agent.Memory)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents
		 (world_id, id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		worldID, agent.ID, agent.Name, agent.SystemPrompt, agent.Provider, agent.Model,
		agent.Temperature, agent.TurnLimit, agent.LLMCallCount, string(memJSON),
	)
	if err != nil {
		s.logger.Error("sqlite: save agent failed", "id", agent.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save agent: %w", err)
	}
	s.logger.Debug("sqlite: save agent ok", "id", agent.ID, "duration", time.Since(start))
	return nil
}

// SaveAgents upserts several agents inside one transaction so a chat
// deletion prunes all memories or none.
func (s *Store) SaveAgents(ctx context.Context, worldID string, agents []agentworld.Agent) error {
	start := time.Now()
	s.logger.Debug("sqlite: save agents", "world_id", worldID, "count", len(agents))

	for i := range agents {
		if err := agentworld.ValidateAgentMemory(&agents[i]); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, agent := range agents {
		memJSON, err := json.Marshal(agent.Memory)
		if err != nil {
			return fmt.Errorf("marshal memory: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO agents
			 (world_id, id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			worldID, agent.ID, agent.Name, agent.SystemPrompt, agent.Provider, agent.Model,
			agent.Temperature, agent.TurnLimit, agent.LLMCallCount, string(memJSON),
		)
		if err != nil {
			s.logger.Error("sqlite: save agents failed", "id", agent.ID, "error", err, "duration", time.Since(start))
			return fmt.Errorf("save agent %s: %w", agent.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: save agents commit failed", "world_id", worldID, "error", err)
		return err
	}
	s.logger.Debug("sqlite: save agents ok", "world_id", worldID, "count", len(agents), "duration", time.Since(start))
	return nil
}

func (s *Store) GetAgent(ctx context.Context, worldID, agentID string) (agentworld.Agent, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get agent", "world_id", worldID, "id", agentID)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory
		 FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return agentworld.Agent{}, agentworld.ErrAgentNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get agent failed", "id", agentID, "error", err, "duration", time.Since(start))
		return agentworld.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	s.logger.Debug("sqlite: get agent ok", "id", agentID, "memory_len", len(agent.Memory), "duration", time.Since(start))
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]agentworld.Agent, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list agents", "world_id", worldID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory
		 FROM agents WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		s.logger.Error("sqlite: list agents failed", "world_id", worldID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agentworld.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	s.logger.Debug("sqlite: list agents ok", "world_id", worldID, "count", len(agents), "duration", time.Since(start))
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete agent", "world_id", worldID, "id", agentID)

	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	if err != nil {
		s.logger.Error("sqlite: delete agent failed", "id", agentID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agentworld.ErrAgentNotFound
	}
	s.logger.Debug("sqlite: delete agent ok", "id", agentID, "duration", time.Since(start))
	return nil
}

// --- Chats ---

func (s *Store) SaveChat(ctx context.Context, chat agentworld.Chat) error {
	start := time.Now()
	s.logger.Debug("sqlite: save chat", "id", chat.ID, "world_id", chat.WorldID, "name", chat.Name)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (id, world_id, name, created_at) VALUES (?, ?, ?, ?)`,
		chat.ID, chat.WorldID, chat.Name, chat.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save chat failed", "id", chat.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save chat: %w", err)
	}
	s.logger.Debug("sqlite: save chat ok", "id", chat.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetChat(ctx context.Context, worldID, chatID string) (agentworld.Chat, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get chat", "world_id", worldID, "id", chatID)

	var c agentworld.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, world_id, name, created_at FROM chats WHERE world_id = ? AND id = ?`,
		worldID, chatID,
	).Scan(&c.ID, &c.WorldID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agentworld.Chat{}, agentworld.ErrChatNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get chat failed", "id", chatID, "error", err, "duration", time.Since(start))
		return agentworld.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	s.logger.Debug("sqlite: get chat ok", "id", chatID, "duration", time.Since(start))
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]agentworld.Chat, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list chats", "world_id", worldID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, world_id, name, created_at FROM chats WHERE world_id = ? ORDER BY created_at`, worldID)
	if err != nil {
		s.logger.Error("sqlite: list chats failed", "world_id", worldID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []agentworld.Chat
	for rows.Next() {
		var c agentworld.Chat
		if err := rows.Scan(&c.ID, &c.WorldID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	s.logger.Debug("sqlite: list chats ok", "world_id", worldID, "count", len(chats), "duration", time.Since(start))
	return chats, rows.Err()
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete chat", "world_id", worldID, "id", chatID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agentworld.ErrChatNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE world_id = ? AND chat_id = ?`, worldID, chatID); err != nil {
		return fmt.Errorf("delete chat events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete chat commit failed", "id", chatID, "error", err)
		return err
	}
	s.logger.Debug("sqlite: delete chat ok", "id", chatID, "duration", time.Since(start))
	return nil
}

// --- Events ---

func (s *Store) SaveEvent(ctx context.Context, worldID string, event agentworld.Event) error {
	start := time.Now()
	s.logger.Debug("sqlite: save event", "world_id", worldID, "id", event.ID, "type", event.Type)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var chatID *string
	if event.ChatID != "" {
		chatID = &event.ChatID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (id, world_id, chat_id, type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, worldID, chatID, event.Type, string(payload), event.Timestamp,
	)
	if err != nil {
		s.logger.Error("sqlite: save event failed", "id", event.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save event: %w", err)
	}
	s.logger.Debug("sqlite: save event ok", "id", event.ID, "duration", time.Since(start))
	return nil
}

// GetEvents returns the most recent limit events in chronological order.
func (s *Store) GetEvents(ctx context.Context, worldID, chatID string, limit int) ([]agentworld.Event, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get events", "world_id", worldID, "chat_id", chatID, "limit", limit)

	query := `SELECT payload FROM events WHERE world_id = ?`
	args := []any{worldID}
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: get events failed", "world_id", worldID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []agentworld.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e agentworld.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	s.logger.Debug("sqlite: get events ok", "world_id", worldID, "count", len(events), "duration", time.Since(start))
	return events, nil
}

// DB returns the underlying *sql.DB for ad-hoc inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// scanAgent reads one agent row from either *sql.Row or *sql.Rows.
func scanAgent(row interface{ Scan(...any) error }) (agentworld.Agent, error) {
	var a agentworld.Agent
	var sysPrompt, provider, model sql.NullString
	var temperature sql.NullFloat64
	var memJSON sql.NullString
	err := row.Scan(&a.ID, &a.Name, &sysPrompt, &provider, &model, &temperature, &a.TurnLimit, &a.LLMCallCount, &memJSON)
	if err != nil {
		return agentworld.Agent{}, err
	}
	if sysPrompt.Valid {
		a.SystemPrompt = sysPrompt.String
	}
	if provider.Valid {
		a.Provider = provider.String
	}
	if model.Valid {
		a.Model = model.String
	}
	if temperature.Valid {
		a.Temperature = temperature.Float64
	}
	if memJSON.Valid && memJSON.String != "" && memJSON.String != "null" {
		if err := json.Unmarshal([]byte(memJSON.String), &a.Memory); err != nil {
			return agentworld.Agent{}, fmt.Errorf("unmarshal memory: %w", err)
		}
	}
	return a, nil
}
