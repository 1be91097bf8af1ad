// Package postgres implements agentworld.Store using PostgreSQL. Agent
// memory and event payloads are stored as JSONB.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	agentworld "github.com/yysun/agent-world-sub010"
)

// Store implements agentworld.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ agentworld.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			current_chat_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
			turn_limit INTEGER NOT NULL DEFAULT 0,
			llm_call_count INTEGER NOT NULL DEFAULT 0,
			memory JSONB,
			PRIMARY KEY (world_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chats_world_idx ON chats(world_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL,
			world_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts BIGINT NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS events_world_ts_idx ON events(world_id, ts)`,
		`CREATE INDEX IF NOT EXISTS events_chat_idx ON events(world_id, chat_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Worlds ---

func (s *Store) SaveWorld(ctx context.Context, info agentworld.WorldInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worlds (id, name, current_chat_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   current_chat_id = EXCLUDED.current_chat_id,
		   created_at = EXCLUDED.created_at`,
		info.ID, info.Name, info.CurrentChatID, info.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save world: %w", err)
	}
	return nil
}

func (s *Store) GetWorld(ctx context.Context, id string) (agentworld.WorldInfo, error) {
	var info agentworld.WorldInfo
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, current_chat_id, created_at FROM worlds WHERE id = $1`, id,
	).Scan(&info.ID, &info.Name, &info.CurrentChatID, &info.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return agentworld.WorldInfo{}, agentworld.ErrWorldNotFound
	}
	if err != nil {
		return agentworld.WorldInfo{}, fmt.Errorf("postgres: get world: %w", err)
	}
	return info, nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]agentworld.WorldInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, current_chat_id, created_at FROM worlds ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list worlds: %w", err)
	}
	defer rows.Close()

	var worlds []agentworld.WorldInfo
	for rows.Next() {
		var info agentworld.WorldInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.CurrentChatID, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan world: %w", err)
		}
		worlds = append(worlds, info)
	}
	return worlds, rows.Err()
}

func (s *Store) DeleteWorld(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ct, err := tx.Exec(ctx, `DELETE FROM worlds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete world: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return agentworld.ErrWorldNotFound
	}
	for _, q := range []string{
		`DELETE FROM agents WHERE world_id = $1`,
		`DELETE FROM chats WHERE world_id = $1`,
		`DELETE FROM events WHERE world_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("postgres: delete world rows: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, worldID string, agent agentworld.Agent) error {
	if err := agentworld.ValidateAgentMemory(&agent); err != nil {
		return err
	}
	memJSON, err := json.Marshal(agent.Memory)
	if err != nil {
		return fmt.Errorf("postgres: marshal memory: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents
		 (world_id, id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   name = EXCLUDED.name,
		   system_prompt = EXCLUDED.system_prompt,
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   temperature = EXCLUDED.temperature,
		   turn_limit = EXCLUDED.turn_limit,
		   llm_call_count = EXCLUDED.llm_call_count,
		   memory = EXCLUDED.memory`,
		worldID, agent.ID, agent.Name, agent.SystemPrompt, agent.Provider, agent.Model,
		agent.Temperature, agent.TurnLimit, agent.LLMCallCount, memJSON)
	if err != nil {
		return fmt.Errorf("postgres: save agent: %w", err)
	}
	return nil
}

// SaveAgents upserts several agents in one batched transaction.
func (s *Store) SaveAgents(ctx context.Context, worldID string, agents []agentworld.Agent) error {
	for i := range agents {
		if err := agentworld.ValidateAgentMemory(&agents[i]); err != nil {
			return err
		}
	}
	batch := &pgx.Batch{}
	for _, agent := range agents {
		memJSON, err := json.Marshal(agent.Memory)
		if err != nil {
			return fmt.Errorf("postgres: marshal memory: %w", err)
		}
		batch.Queue(
			`INSERT INTO agents
			 (world_id, id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (world_id, id) DO UPDATE SET
			   name = EXCLUDED.name,
			   system_prompt = EXCLUDED.system_prompt,
			   provider = EXCLUDED.provider,
			   model = EXCLUDED.model,
			   temperature = EXCLUDED.temperature,
			   turn_limit = EXCLUDED.turn_limit,
			   llm_call_count = EXCLUDED.llm_call_count,
			   memory = EXCLUDED.memory`,
			worldID, agent.ID, agent.Name, agent.SystemPrompt, agent.Provider, agent.Model,
			agent.Temperature, agent.TurnLimit, agent.LLMCallCount, memJSON)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save agents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, worldID, agentID string) (agentworld.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory
		 FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return agentworld.Agent{}, agentworld.ErrAgentNotFound
	}
	if err != nil {
		return agentworld.Agent{}, fmt.Errorf("postgres: get agent: %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]agentworld.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, system_prompt, provider, model, temperature, turn_limit, llm_call_count, memory
		 FROM agents WHERE world_id = $1 ORDER BY id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []agentworld.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID)
	if err != nil {
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return agentworld.ErrAgentNotFound
	}
	return nil
}

// --- Chats ---

func (s *Store) SaveChat(ctx context.Context, chat agentworld.Chat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, world_id, name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   world_id = EXCLUDED.world_id,
		   name = EXCLUDED.name,
		   created_at = EXCLUDED.created_at`,
		chat.ID, chat.WorldID, chat.Name, chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, worldID, chatID string) (agentworld.Chat, error) {
	var c agentworld.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, world_id, name, created_at FROM chats WHERE world_id = $1 AND id = $2`,
		worldID, chatID,
	).Scan(&c.ID, &c.WorldID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return agentworld.Chat{}, agentworld.ErrChatNotFound
	}
	if err != nil {
		return agentworld.Chat{}, fmt.Errorf("postgres: get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]agentworld.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, world_id, name, created_at FROM chats WHERE world_id = $1 ORDER BY created_at`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	defer rows.Close()

	var chats []agentworld.Chat
	for rows.Next() {
		var c agentworld.Chat
		if err := rows.Scan(&c.ID, &c.WorldID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ct, err := tx.Exec(ctx, `DELETE FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("postgres: delete chat: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return agentworld.ErrChatNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE world_id = $1 AND chat_id = $2`, worldID, chatID); err != nil {
		return fmt.Errorf("postgres: delete chat events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// --- Events ---

func (s *Store) SaveEvent(ctx context.Context, worldID string, event agentworld.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("postgres: marshal event: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, world_id, chat_id, type, payload, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   chat_id = EXCLUDED.chat_id,
		   type = EXCLUDED.type,
		   payload = EXCLUDED.payload,
		   ts = EXCLUDED.ts`,
		event.ID, worldID, event.ChatID, event.Type, payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: save event: %w", err)
	}
	return nil
}

// GetEvents returns the most recent limit events in chronological order.
func (s *Store) GetEvents(ctx context.Context, worldID, chatID string, limit int) ([]agentworld.Event, error) {
	query := `SELECT payload FROM events WHERE world_id = $1`
	args := []any{worldID}
	if chatID != "" {
		query += ` AND chat_id = $2`
		args = append(args, chatID)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get events: %w", err)
	}
	defer rows.Close()

	var events []agentworld.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var e agentworld.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func scanAgent(row pgx.Row) (agentworld.Agent, error) {
	var a agentworld.Agent
	var memJSON []byte
	err := row.Scan(&a.ID, &a.Name, &a.SystemPrompt, &a.Provider, &a.Model,
		&a.Temperature, &a.TurnLimit, &a.LLMCallCount, &memJSON)
	if err != nil {
		return agentworld.Agent{}, err
	}
	if len(memJSON) > 0 && string(memJSON) != "null" {
		if err := json.Unmarshal(memJSON, &a.Memory); err != nil {
			return agentworld.Agent{}, fmt.Errorf("unmarshal memory: %w", err)
		}
	}
	return a, nil
}
