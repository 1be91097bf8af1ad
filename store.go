package agentworld

import "context"

// Store abstracts world persistence. A world saves its identity, its agents
// (memory included), its chats, and its event log through this interface;
// everything else is derived state. Implementations must be safe for
// concurrent use.
//
// Get methods return ErrWorldNotFound, ErrAgentNotFound, or ErrChatNotFound
// when the row does not exist. Save methods are upserts.
type Store interface {
	// --- Worlds ---
	SaveWorld(ctx context.Context, info WorldInfo) error
	GetWorld(ctx context.Context, id string) (WorldInfo, error)
	ListWorlds(ctx context.Context) ([]WorldInfo, error)
	// DeleteWorld removes the world and cascades to its agents, chats,
	// and events.
	DeleteWorld(ctx context.Context, id string) error

	// --- Agents ---
	SaveAgent(ctx context.Context, worldID string, agent Agent) error
	// SaveAgents upserts several agents in one step, atomically where the
	// backend supports it. Chat deletion uses this to prune every agent's
	// memory without leaving some agents pruned and others not.
	SaveAgents(ctx context.Context, worldID string, agents []Agent) error
	GetAgent(ctx context.Context, worldID, agentID string) (Agent, error)
	ListAgents(ctx context.Context, worldID string) ([]Agent, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error

	// --- Chats ---
	SaveChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, worldID, chatID string) (Chat, error)
	ListChats(ctx context.Context, worldID string) ([]Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error

	// --- Events ---
	SaveEvent(ctx context.Context, worldID string, event Event) error
	// GetEvents returns the most recent limit events in chronological
	// order. An empty chatID matches every chat; limit <= 0 means all.
	GetEvents(ctx context.Context, worldID, chatID string, limit int) ([]Event, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// ValidateAgentMemory rejects an agent whose memory holds entries without a
// messageId. Such entries cannot be threaded, deduplicated, or matched to
// tool results, so they must never reach storage.
func ValidateAgentMemory(agent *Agent) error {
	missing := 0
	for i := range agent.Memory {
		if agent.Memory[i].MessageID == "" {
			missing++
		}
	}
	if missing > 0 {
		return &ErrInvalidMemory{AgentID: agent.ID, Count: missing}
	}
	return nil
}
