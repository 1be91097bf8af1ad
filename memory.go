package agentworld

import (
	"context"
	"fmt"
	"log/slog"
)

// memoryManager performs every write to an agent's memory. Storage keeps the
// durable copy; the in-memory slice stays authoritative when a save fails,
// so orchestration continues and the next save rewrites the full state.
//
// Per-agent serialization is the caller's concern: the orchestrator runs one
// turn at a time per agent, so methods here do not lock.
type memoryManager struct {
	store       Store
	worldID     string
	currentChat func() string
	logger      *slog.Logger
	onError     func(op string, err error)
}

func newMemoryManager(store Store, worldID string, currentChat func() string, logger *slog.Logger, onError func(op string, err error)) *memoryManager {
	if logger == nil {
		logger = nopLogger
	}
	if currentChat == nil {
		currentChat = func() string { return "" }
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	return &memoryManager{
		store:       store,
		worldID:     worldID,
		currentChat: currentChat,
		logger:      logger,
		onError:     onError,
	}
}

// append stamps and appends one message to the agent's memory, then saves.
// Stamping fills messageId, agentId, createdAt, and chatId (from the current
// chat) when absent. An already-set chatId is never overwritten: messages
// published into the null chat stay in the null-chat bucket.
func (m *memoryManager) append(ctx context.Context, agent *Agent, msg AgentMessage) *AgentMessage {
	if msg.MessageID == "" {
		msg.MessageID = NewID()
	}
	msg.AgentID = agent.ID
	if msg.ChatID == "" {
		msg.ChatID = m.currentChat()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = NowUnix()
	}
	agent.Memory = append(agent.Memory, msg)
	m.save(ctx, agent)
	return &agent.Memory[len(agent.Memory)-1]
}

// archiveIncoming records a copy of an incoming bus message in the agent's
// memory. The copy keeps the original messageId so the agent's reply can
// thread against it.
func (m *memoryManager) archiveIncoming(ctx context.Context, agent *Agent, msg *AgentMessage) *AgentMessage {
	return m.append(ctx, agent, cloneMessage(*msg))
}

// appendAssistantTurn records a turn authored by the agent itself.
func (m *memoryManager) appendAssistantTurn(ctx context.Context, agent *Agent, msg AgentMessage) *AgentMessage {
	msg.Role = RoleAssistant
	msg.Sender = agent.ID
	return m.append(ctx, agent, msg)
}

// updateToolCallStatus mutates toolCallStatus on the assistant turn that
// carries toolCallID. This is the only permitted in-place edit of an
// existing memory entry.
func (m *memoryManager) updateToolCallStatus(ctx context.Context, agent *Agent, toolCallID string, status ToolCallStatus) error {
	idx, ok := findToolCallTurn(agent.Memory, toolCallID)
	if !ok {
		return fmt.Errorf("agent %s: no assistant turn carries tool call %s", agent.ID, toolCallID)
	}
	turn := &agent.Memory[idx]
	if turn.ToolCallStatus == nil {
		turn.ToolCallStatus = make(map[string]ToolCallStatus)
	}
	turn.ToolCallStatus[toolCallID] = status
	m.save(ctx, agent)
	return nil
}

// bumpLLMCalls increments the agent's call counter and persists it so the
// turn limit survives a reload mid-conversation.
func (m *memoryManager) bumpLLMCalls(ctx context.Context, agent *Agent) {
	agent.LLMCallCount++
	m.save(ctx, agent)
}

// resetLLMCalls zeroes the counter. Called when the triggering message
// originates from a human or from the world.
func (m *memoryManager) resetLLMCalls(ctx context.Context, agent *Agent) {
	if agent.LLMCallCount == 0 {
		return
	}
	agent.LLMCallCount = 0
	m.save(ctx, agent)
}

// rewriteMessage replaces the content of an existing memory entry.
func (m *memoryManager) rewriteMessage(ctx context.Context, agent *Agent, messageID, content string) error {
	for i := range agent.Memory {
		if agent.Memory[i].MessageID == messageID {
			agent.Memory[i].Content = content
			m.save(ctx, agent)
			return nil
		}
	}
	return fmt.Errorf("agent %s: message %s not found", agent.ID, messageID)
}

// removeMessage deletes a memory entry by id.
func (m *memoryManager) removeMessage(ctx context.Context, agent *Agent, messageID string) error {
	for i := range agent.Memory {
		if agent.Memory[i].MessageID == messageID {
			agent.Memory = append(agent.Memory[:i], agent.Memory[i+1:]...)
			m.save(ctx, agent)
			return nil
		}
	}
	return fmt.Errorf("agent %s: message %s not found", agent.ID, messageID)
}

// save persists the agent best-effort. Failures land in the world error log;
// the in-memory state remains authoritative.
func (m *memoryManager) save(ctx context.Context, agent *Agent) {
	if err := m.store.SaveAgent(ctx, m.worldID, *agent); err != nil {
		m.logger.Error("save agent failed",
			"world_id", m.worldID, "agent_id", agent.ID, "error", err)
		m.onError("saveAgent", err)
	}
}

// findToolCallTurn returns the index of the assistant turn whose tool_calls
// include toolCallID, scanning newest-first. Shared by the status updater
// and by the ownership check that stops cross-agent tool hijacks.
func findToolCallTurn(memory []AgentMessage, toolCallID string) (int, bool) {
	for i := len(memory) - 1; i >= 0; i-- {
		if memory[i].Role != RoleAssistant {
			continue
		}
		for _, tc := range memory[i].ToolCalls {
			if tc.ID == toolCallID {
				return i, true
			}
		}
	}
	return -1, false
}
