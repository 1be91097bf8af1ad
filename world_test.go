package agentworld

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestWorld(t *testing.T, opts ...WorldOption) (*World, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	w, err := CreateWorld(context.Background(), store, "test-world", opts...)
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return w, store
}

func mustCreateAgent(t *testing.T, w *World, agent Agent) *Agent {
	t.Helper()
	created, err := w.CreateAgent(context.Background(), agent)
	if err != nil {
		t.Fatalf("CreateAgent(%s): %v", agent.ID, err)
	}
	return created
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateWorldRoundTrip(t *testing.T) {
	w, store := newTestWorld(t)

	if w.ID() == "" {
		t.Fatal("world has no id")
	}
	if w.Name() != "test-world" {
		t.Errorf("Name() = %q, want test-world", w.Name())
	}
	info, err := store.GetWorld(context.Background(), w.ID())
	if err != nil {
		t.Fatalf("GetWorld: %v", err)
	}
	if info.Name != "test-world" || info.CreatedAt == 0 {
		t.Errorf("stored info = %+v, want name and createdAt set", info)
	}
	worlds, err := store.ListWorlds(context.Background())
	if err != nil || len(worlds) != 1 {
		t.Fatalf("ListWorlds = %v, %v, want one world", worlds, err)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	w, _ := newTestWorld(t)

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"space", "bad id"},
		{"at sign", "@a1"},
		{"reserved human", "HUMAN"},
		{"reserved user prefix", "user-7"},
		{"reserved world", "world"},
		{"reserved system", "System"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.CreateAgent(context.Background(), Agent{ID: tt.id}); err == nil {
				t.Errorf("CreateAgent(%q) succeeded, want error", tt.id)
			}
		})
	}
}

func TestCreateAgentDefaultsAndDuplicates(t *testing.T) {
	w, store := newTestWorld(t)

	created := mustCreateAgent(t, w, Agent{ID: "a1"})
	if created.Name != "a1" {
		t.Errorf("Name = %q, want id fallback", created.Name)
	}
	if created.TurnLimit != defaultTurnLimit {
		t.Errorf("TurnLimit = %d, want %d", created.TurnLimit, defaultTurnLimit)
	}
	if _, err := w.CreateAgent(context.Background(), Agent{ID: "a1"}); err == nil {
		t.Error("duplicate CreateAgent succeeded, want error")
	}

	stored, err := store.GetAgent(context.Background(), w.ID(), "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if stored.TurnLimit != defaultTurnLimit {
		t.Errorf("stored TurnLimit = %d, want %d", stored.TurnLimit, defaultTurnLimit)
	}
}

func TestUpdateAgentPreservesMemoryAndCounter(t *testing.T) {
	w, store := newTestWorld(t)
	mustCreateAgent(t, w, Agent{ID: "a1", Model: "old-model"})

	// Seed state the update must not touch.
	agent, _ := store.GetAgent(context.Background(), w.ID(), "a1")
	agent.Memory = []AgentMessage{{Role: RoleUser, Content: "hi", MessageID: NewID()}}
	agent.LLMCallCount = 3
	if err := store.SaveAgent(context.Background(), w.ID(), agent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	updated, err := w.UpdateAgent(context.Background(), Agent{ID: "a1", Model: "new-model", Name: "Agent One"})
	if err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if updated.Model != "new-model" || updated.Name != "Agent One" {
		t.Errorf("updated = %+v, want new model and name", updated)
	}
	if len(updated.Memory) != 1 || updated.LLMCallCount != 3 {
		t.Errorf("memory/counter = %d/%d, want preserved 1/3", len(updated.Memory), updated.LLMCallCount)
	}

	if _, err := w.UpdateAgent(context.Background(), Agent{ID: "ghost", Model: "x"}); err == nil {
		t.Error("UpdateAgent(ghost) succeeded, want error")
	}
}

func TestClearAgentMemory(t *testing.T) {
	w, store := newTestWorld(t)
	mustCreateAgent(t, w, Agent{ID: "a1"})

	agent, _ := store.GetAgent(context.Background(), w.ID(), "a1")
	agent.Memory = []AgentMessage{{Role: RoleUser, Content: "hi", MessageID: NewID()}}
	agent.LLMCallCount = 2
	store.SaveAgent(context.Background(), w.ID(), agent)

	if err := w.ClearAgentMemory(context.Background(), "a1"); err != nil {
		t.Fatalf("ClearAgentMemory: %v", err)
	}
	agent, _ = store.GetAgent(context.Background(), w.ID(), "a1")
	if len(agent.Memory) != 0 || agent.LLMCallCount != 0 {
		t.Errorf("after clear: %d messages, %d calls, want 0/0", len(agent.Memory), agent.LLMCallCount)
	}
}

func TestDeleteAgentStopsRunner(t *testing.T) {
	w, store := newTestWorld(t)
	mustCreateAgent(t, w, Agent{ID: "a1"})

	if err := w.DeleteAgent(context.Background(), "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := store.GetAgent(context.Background(), w.ID(), "a1"); err == nil {
		t.Error("agent still in storage after delete")
	}

	// No runner left to accept the broadcast, so nothing begins.
	w.PublishMessage("anyone there?", SenderHuman, "")
	if n := w.PendingOperations(); n != 0 {
		t.Errorf("PendingOperations = %d after delete, want 0", n)
	}
}

func TestChatLifecycle(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()

	chat, err := w.NewChat(ctx)
	if err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	if chat.Name != NewChatName {
		t.Errorf("chat name = %q, want %q", chat.Name, NewChatName)
	}
	if w.CurrentChatID() != chat.ID {
		t.Errorf("CurrentChatID = %q, want %q", w.CurrentChatID(), chat.ID)
	}

	// CreateChat alone must not steal the current chat.
	second, err := w.CreateChat(ctx)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if w.CurrentChatID() != chat.ID {
		t.Errorf("CreateChat changed current chat to %q", w.CurrentChatID())
	}

	if err := w.SetCurrentChat(ctx, "nope"); err == nil {
		t.Error("SetCurrentChat(nope) succeeded, want error")
	}
	if err := w.SetCurrentChat(ctx, second.ID); err != nil {
		t.Fatalf("SetCurrentChat: %v", err)
	}
	if err := w.SetCurrentChat(ctx, ""); err != nil {
		t.Fatalf("SetCurrentChat(clear): %v", err)
	}
	if w.CurrentChatID() != "" {
		t.Errorf("CurrentChatID = %q after clear, want empty", w.CurrentChatID())
	}

	chats, err := w.ListChats(ctx)
	if err != nil || len(chats) != 2 {
		t.Fatalf("ListChats = %d chats, %v, want 2", len(chats), err)
	}
}

func TestRenameChatPublishesTitleEvent(t *testing.T) {
	w, _ := newTestWorld(t)
	chat, _ := w.NewChat(context.Background())

	capture := &eventCapture{}
	defer w.Bus().Subscribe(EventSystem, capture.handler())()

	if err := w.RenameChat(context.Background(), chat.ID, "Build plan"); err != nil {
		t.Fatalf("RenameChat: %v", err)
	}
	got, _ := w.GetChat(context.Background(), chat.ID)
	if got.Name != "Build plan" {
		t.Errorf("chat name = %q, want Build plan", got.Name)
	}
	events := capture.byType(EventSystem)
	if len(events) != 1 || events[0].System.Kind != SystemChatTitleUpdated || events[0].System.Title != "Build plan" {
		t.Errorf("system events = %+v, want one chat-title-updated", events)
	}
}

func TestDeleteChatPrunesAgentMemory(t *testing.T) {
	w, store := newTestWorld(t)
	ctx := context.Background()
	mustCreateAgent(t, w, Agent{ID: "a1"})
	mustCreateAgent(t, w, Agent{ID: "a2"})

	chat1, _ := w.NewChat(ctx)
	chat2, _ := w.CreateChat(ctx)

	seed := func(agentID string) {
		agent, _ := store.GetAgent(ctx, w.ID(), agentID)
		agent.Memory = []AgentMessage{
			{Role: RoleUser, Content: "in chat1", MessageID: NewID(), ChatID: chat1.ID},
			{Role: RoleAssistant, Content: "also chat1", MessageID: NewID(), ChatID: chat1.ID},
			{Role: RoleUser, Content: "in chat2", MessageID: NewID(), ChatID: chat2.ID},
		}
		if err := store.SaveAgent(ctx, w.ID(), agent); err != nil {
			t.Fatalf("seed %s: %v", agentID, err)
		}
	}
	seed("a1")
	seed("a2")

	if err := w.DeleteChat(ctx, chat1.ID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}

	for _, id := range []string{"a1", "a2"} {
		agent, _ := store.GetAgent(ctx, w.ID(), id)
		if len(agent.Memory) != 1 || agent.Memory[0].ChatID != chat2.ID {
			t.Errorf("%s memory after prune = %+v, want only the chat2 entry", id, agent.Memory)
		}
	}
	if _, err := w.GetChat(ctx, chat1.ID); err == nil {
		t.Error("deleted chat still loadable")
	}
	if w.CurrentChatID() != "" {
		t.Errorf("CurrentChatID = %q, want cleared after deleting the current chat", w.CurrentChatID())
	}
}

func TestExportChatDeduplicatesMessages(t *testing.T) {
	w, store := newTestWorld(t)
	ctx := context.Background()
	chat, _ := w.NewChat(ctx)

	msg := AgentMessage{Role: RoleUser, Content: "hello", MessageID: "m1", ChatID: chat.ID, Sender: SenderHuman}
	// Two stored rows carrying the same message, as happens when several
	// agents archive one broadcast.
	store.SaveEvent(ctx, w.ID(), Event{ID: "e1", Type: EventMessage, ChatID: chat.ID, Message: &msg})
	store.SaveEvent(ctx, w.ID(), Event{ID: "e2", Type: EventMessage, ChatID: chat.ID, Message: &msg})
	store.SaveEvent(ctx, w.ID(), Event{ID: "m1-sse-end", Type: EventSSE, ChatID: chat.ID, SSE: &SSEPayload{Kind: SSEEnd, MessageID: "m1"}})

	export, err := w.ExportChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ExportChat: %v", err)
	}
	if export.Chat.ID != chat.ID {
		t.Errorf("export chat = %q, want %q", export.Chat.ID, chat.ID)
	}
	if len(export.Messages) != 1 {
		t.Errorf("export messages = %d, want 1 after dedupe", len(export.Messages))
	}
	if len(export.Events) != 3 {
		t.Errorf("export events = %d, want all 3 rows", len(export.Events))
	}

	if _, err := w.ExportChat(ctx, "nope"); err == nil {
		t.Error("ExportChat(nope) succeeded, want error")
	}
}

func TestErrorRingBounds(t *testing.T) {
	ring := newErrorRing(3)
	for i := 0; i < 5; i++ {
		ring.record("test", errStoreBroken)
	}
	if got := len(ring.recent()); got != 3 {
		t.Fatalf("ring holds %d entries, want 3", got)
	}

	ring.record("src", nil)
	if got := len(ring.recent()); got != 3 {
		t.Errorf("nil error recorded, ring holds %d", got)
	}
}

func TestWorldRecentErrorsRecordFailures(t *testing.T) {
	ctx := context.Background()
	broken := &failingStore{Store: NewMemoryStore()}
	w, err := CreateWorld(ctx, broken, "w")
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	defer w.Shutdown(ctx)
	mustCreateAgent(t, w, Agent{ID: "a1"})

	agent, _ := broken.GetAgent(ctx, w.ID(), "a1")
	agent.Memory = []AgentMessage{{Role: RoleUser, Content: "hi", MessageID: "m1"}}
	broken.Store.SaveAgent(ctx, w.ID(), agent)

	// A failed save is best-effort: the edit succeeds and the failure lands
	// in the error log.
	broken.failSaveAgent = true
	if err := w.UpdateMessage(ctx, "a1", "m1", "edited"); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	sources := make(map[string]bool)
	for _, e := range w.RecentErrors() {
		sources[e.Source] = true
	}
	if !sources["saveAgent"] {
		t.Errorf("error log %v, want a saveAgent entry", sources)
	}

	// A missing message is a real failure and is recorded too.
	if err := w.UpdateMessage(ctx, "a1", "ghost", "x"); err == nil {
		t.Fatal("UpdateMessage(ghost) succeeded, want error")
	}
	found := false
	for _, e := range w.RecentErrors() {
		if e.Source == "updateMessage" {
			found = true
		}
	}
	if !found {
		t.Error("error log missing the updateMessage entry")
	}
}

// blockingProvider parks every call until released, so tests can hold a
// runner busy while its mailbox fills.
type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
	return ChatResponse{Content: "done"}, nil
}

func (p *blockingProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	return p.Chat(ctx, req)
}

func TestMailboxOverflowDropsAndRecords(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	w, _ := newTestWorld(t, WithProvider(provider), WithMailboxSize(1))
	mustCreateAgent(t, w, Agent{ID: "a1"})
	w.NewChat(context.Background())

	// First message occupies the runner or its single queue slot; by the
	// third publish something must drop.
	w.PublishMessage("one", SenderHuman, "")
	w.PublishMessage("two", SenderHuman, "")
	w.PublishMessage("three", SenderHuman, "")

	waitFor(t, func() bool {
		for _, e := range w.RecentErrors() {
			if strings.HasPrefix(e.Source, "mailbox:") {
				return true
			}
		}
		return false
	}, "overflow never recorded")

	close(provider.release)
	waitFor(t, func() bool { return w.PendingOperations() == 0 }, "world never drained")
}

func TestStreamingToggle(t *testing.T) {
	if !StreamingEnabled() {
		t.Fatal("streaming should default on")
	}
	SetStreaming(false)
	defer SetStreaming(true)
	if StreamingEnabled() {
		t.Error("StreamingEnabled() = true after SetStreaming(false)")
	}
}

func TestShutdownIdempotentAndRejectsWork(t *testing.T) {
	store := NewMemoryStore()
	w, err := CreateWorld(context.Background(), store, "w")
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := w.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
	if _, err := w.CreateAgent(context.Background(), Agent{ID: "a1"}); err == nil {
		t.Error("CreateAgent succeeded after shutdown")
	}
}

func TestDeleteRemovesWorldFromStorage(t *testing.T) {
	store := NewMemoryStore()
	w, err := CreateWorld(context.Background(), store, "w")
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	mustCreateAgent(t, w, Agent{ID: "a1"})

	if err := w.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetWorld(context.Background(), w.ID()); err == nil {
		t.Error("world still in storage after Delete")
	}
	if _, err := store.GetAgent(context.Background(), w.ID(), "a1"); err == nil {
		t.Error("agent still in storage after Delete")
	}
}
