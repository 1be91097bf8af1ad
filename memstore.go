package agentworld

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the default Store: everything lives in process memory and
// vanishes on exit. It is the zero-configuration backend for tests and
// throwaway worlds; store/sqlite and store/postgres provide durability.
//
// All reads and writes deep-copy agent state so callers can never alias the
// store's internal memory slices.
type MemoryStore struct {
	mu     sync.RWMutex
	worlds map[string]WorldInfo
	agents map[string]map[string]Agent // worldID -> agentID
	chats  map[string]map[string]Chat  // worldID -> chatID
	events map[string][]Event          // worldID -> append order
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		worlds: make(map[string]WorldInfo),
		agents: make(map[string]map[string]Agent),
		chats:  make(map[string]map[string]Chat),
		events: make(map[string][]Event),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// --- Worlds ---

func (s *MemoryStore) SaveWorld(ctx context.Context, info WorldInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[info.ID] = info
	return nil
}

func (s *MemoryStore) GetWorld(ctx context.Context, id string) (WorldInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.worlds[id]
	if !ok {
		return WorldInfo{}, ErrWorldNotFound
	}
	return info, nil
}

func (s *MemoryStore) ListWorlds(ctx context.Context) ([]WorldInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorldInfo, 0, len(s.worlds))
	for _, w := range s.worlds {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) DeleteWorld(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[id]; !ok {
		return ErrWorldNotFound
	}
	delete(s.worlds, id)
	delete(s.agents, id)
	delete(s.chats, id)
	delete(s.events, id)
	return nil
}

// --- Agents ---

func (s *MemoryStore) SaveAgent(ctx context.Context, worldID string, agent Agent) error {
	if err := ValidateAgentMemory(&agent); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[worldID] == nil {
		s.agents[worldID] = make(map[string]Agent)
	}
	s.agents[worldID][agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) SaveAgents(ctx context.Context, worldID string, agents []Agent) error {
	for i := range agents {
		if err := ValidateAgentMemory(&agents[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[worldID] == nil {
		s.agents[worldID] = make(map[string]Agent)
	}
	for _, a := range agents {
		s.agents[worldID][a.ID] = cloneAgent(a)
	}
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, worldID, agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[worldID][agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, worldID string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents[worldID]))
	for _, a := range s.agents[worldID] {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[worldID][agentID]; !ok {
		return ErrAgentNotFound
	}
	delete(s.agents[worldID], agentID)
	return nil
}

// --- Chats ---

func (s *MemoryStore) SaveChat(ctx context.Context, chat Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chats[chat.WorldID] == nil {
		s.chats[chat.WorldID] = make(map[string]Chat)
	}
	s.chats[chat.WorldID][chat.ID] = chat
	return nil
}

func (s *MemoryStore) GetChat(ctx context.Context, worldID, chatID string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[worldID][chatID]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (s *MemoryStore) ListChats(ctx context.Context, worldID string) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0, len(s.chats[worldID]))
	for _, c := range s.chats[worldID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) DeleteChat(ctx context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[worldID][chatID]; !ok {
		return ErrChatNotFound
	}
	delete(s.chats[worldID], chatID)
	return nil
}

// --- Events ---

func (s *MemoryStore) SaveEvent(ctx context.Context, worldID string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by ID so composite-id events overwrite on replay.
	for i := range s.events[worldID] {
		if s.events[worldID][i].ID == event.ID {
			s.events[worldID][i] = event
			return nil
		}
	}
	s.events[worldID] = append(s.events[worldID], event)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, worldID, chatID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events[worldID] {
		if chatID != "" && e.ChatID != chatID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- Deep copies ---

func cloneAgent(a Agent) Agent {
	out := a
	out.Memory = cloneMessages(a.Memory)
	return out
}

func cloneMessages(msgs []AgentMessage) []AgentMessage {
	if msgs == nil {
		return nil
	}
	out := make([]AgentMessage, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessagePtr(m *AgentMessage) *AgentMessage {
	c := cloneMessage(*m)
	return &c
}

func cloneMessage(m AgentMessage) AgentMessage {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Args: append([]byte(nil), tc.Args...)}
		}
	}
	if m.ToolCallStatus != nil {
		out.ToolCallStatus = make(map[string]ToolCallStatus, len(m.ToolCallStatus))
		for k, v := range m.ToolCallStatus {
			out.ToolCallStatus[k] = ToolCallStatus{Complete: v.Complete, Result: append([]byte(nil), v.Result...)}
		}
	}
	return out
}
