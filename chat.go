package agentworld

import "context"

// CreateChat persists a new chat named NewChatName. It does not change the
// world's current chat; pair with SetCurrentChat or use NewChat.
func (w *World) CreateChat(ctx context.Context) (*Chat, error) {
	chat := Chat{
		ID:        NewID(),
		WorldID:   w.info.ID,
		Name:      NewChatName,
		CreatedAt: NowUnix(),
	}
	if err := w.store.SaveChat(ctx, chat); err != nil {
		return nil, err
	}
	w.PublishCRUD("create", "chat", chat.ID)
	w.logger.Debug("chat created", "world_id", w.info.ID, "chat_id", chat.ID)
	return &chat, nil
}

// NewChat creates a chat and makes it current in one step.
func (w *World) NewChat(ctx context.Context) (*Chat, error) {
	chat, err := w.CreateChat(ctx)
	if err != nil {
		return nil, err
	}
	if err := w.SetCurrentChat(ctx, chat.ID); err != nil {
		return nil, err
	}
	return chat, nil
}

// SetCurrentChat switches the chat new messages default into. An empty
// chatID clears the current chat; otherwise the chat must exist. The
// in-memory value changes even when the save fails, matching the
// storage-is-best-effort stance of the memory manager.
func (w *World) SetCurrentChat(ctx context.Context, chatID string) error {
	if chatID != "" {
		if _, err := w.store.GetChat(ctx, w.info.ID, chatID); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.info.CurrentChatID = chatID
	info := w.info
	w.mu.Unlock()

	if err := w.store.SaveWorld(ctx, info); err != nil {
		w.errs.record("setCurrentChat", err)
		return err
	}
	w.PublishCRUD("update", "world", w.info.ID)
	return nil
}

// CurrentChatID returns the chat new messages default into, or "" when none
// is selected.
func (w *World) CurrentChatID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.info.CurrentChatID
}

// GetChat loads one chat from storage.
func (w *World) GetChat(ctx context.Context, chatID string) (Chat, error) {
	return w.store.GetChat(ctx, w.info.ID, chatID)
}

// ListChats loads every chat of the world, oldest first.
func (w *World) ListChats(ctx context.Context) ([]Chat, error) {
	return w.store.ListChats(ctx, w.info.ID)
}

// RenameChat sets a chat's display name and announces the change the same
// way the title generator does.
func (w *World) RenameChat(ctx context.Context, chatID, name string) error {
	chat, err := w.store.GetChat(ctx, w.info.ID, chatID)
	if err != nil {
		return err
	}
	chat.Name = name
	if err := w.store.SaveChat(ctx, chat); err != nil {
		return err
	}
	w.PublishSystemEvent(SystemChatTitleUpdated, name, chatID)
	w.PublishCRUD("update", "chat", chatID)
	return nil
}

// DeleteChat removes a chat, its events, and its turns from every agent's
// memory. The memory prune is one batch save so agents never end up half
// pruned. Approval waits parked in the chat are settled so the pending
// count drains.
func (w *World) DeleteChat(ctx context.Context, chatID string) error {
	if err := w.store.DeleteChat(ctx, w.info.ID, chatID); err != nil {
		return err
	}

	agents, err := w.store.ListAgents(ctx, w.info.ID)
	if err != nil {
		w.errs.record("deleteChat", err)
		return err
	}
	var pruned []Agent
	for _, a := range agents {
		var kept []AgentMessage
		for _, m := range a.Memory {
			if m.ChatID != chatID {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(a.Memory) {
			a.Memory = kept
			pruned = append(pruned, a)
		}
	}
	if len(pruned) > 0 {
		if err := w.store.SaveAgents(ctx, w.info.ID, pruned); err != nil {
			w.errs.record("deleteChat", err)
			return err
		}
	}

	w.releaseChatHandoffs(chatID)

	if w.CurrentChatID() == chatID {
		if err := w.SetCurrentChat(ctx, ""); err != nil {
			w.logger.Warn("clear current chat failed", "chat_id", chatID, "error", err)
		}
	}
	w.PublishCRUD("delete", "chat", chatID)
	w.logger.Info("chat deleted",
		"world_id", w.info.ID, "chat_id", chatID, "agents_pruned", len(pruned))
	return nil
}

// ChatExport is a self-contained snapshot of one chat: its metadata, the
// deduplicated message transcript, and the full event history including SSE
// start/end boundaries.
type ChatExport struct {
	Chat     Chat           `json:"chat"`
	Messages []AgentMessage `json:"messages"`
	Events   []Event        `json:"events"`
}

// ExportChat assembles the export for one chat. Messages are reconstructed
// from the event log in publish order, so the transcript is the shared
// conversation view rather than any single agent's perspective.
func (w *World) ExportChat(ctx context.Context, chatID string) (*ChatExport, error) {
	chat, err := w.store.GetChat(ctx, w.info.ID, chatID)
	if err != nil {
		return nil, err
	}
	events, err := w.store.GetEvents(ctx, w.info.ID, chatID, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var msgs []AgentMessage
	for _, e := range events {
		if e.Type != EventMessage || e.Message == nil {
			continue
		}
		id := e.Message.MessageID
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		msgs = append(msgs, *e.Message)
	}
	return &ChatExport{Chat: chat, Messages: msgs, Events: events}, nil
}
