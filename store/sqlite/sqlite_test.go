package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	agentworld "github.com/yysun/agent-world-sub010"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestWorldCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	info := agentworld.WorldInfo{ID: agentworld.NewID(), Name: "demo", CreatedAt: agentworld.NowUnix()}
	if err := s.SaveWorld(ctx, info); err != nil {
		t.Fatalf("SaveWorld: %v", err)
	}

	got, err := s.GetWorld(ctx, info.ID)
	if err != nil {
		t.Fatalf("GetWorld: %v", err)
	}
	if got.Name != "demo" || got.CurrentChatID != "" {
		t.Errorf("unexpected world: %+v", got)
	}

	// Upsert with a current chat set
	info.CurrentChatID = "chat-1"
	if err := s.SaveWorld(ctx, info); err != nil {
		t.Fatalf("SaveWorld upsert: %v", err)
	}
	got, _ = s.GetWorld(ctx, info.ID)
	if got.CurrentChatID != "chat-1" {
		t.Errorf("expected current chat chat-1, got %q", got.CurrentChatID)
	}

	worlds, err := s.ListWorlds(ctx)
	if err != nil || len(worlds) != 1 {
		t.Fatalf("ListWorlds: %v, %v", worlds, err)
	}

	if err := s.DeleteWorld(ctx, info.ID); err != nil {
		t.Fatalf("DeleteWorld: %v", err)
	}
	if _, err := s.GetWorld(ctx, info.ID); !errors.Is(err, agentworld.ErrWorldNotFound) {
		t.Errorf("GetWorld after delete = %v, want ErrWorldNotFound", err)
	}
	if err := s.DeleteWorld(ctx, info.ID); !errors.Is(err, agentworld.ErrWorldNotFound) {
		t.Errorf("second DeleteWorld = %v, want ErrWorldNotFound", err)
	}
}

func TestAgentRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	agent := agentworld.Agent{
		ID:           "a1",
		Name:         "researcher",
		SystemPrompt: "You research things.",
		Provider:     "openai",
		Model:        "gpt-4o",
		Temperature:  0.7,
		TurnLimit:    5,
		LLMCallCount: 2,
		Memory: []agentworld.AgentMessage{
			{Role: "user", Content: "hello", MessageID: "m1", Sender: "HUMAN", ChatID: "c1"},
			{
				Role:      "assistant",
				Content:   "checking",
				MessageID: "m2",
				Sender:    "a1",
				ToolCalls: []agentworld.ToolCall{{ID: "tc-1", Name: "web_fetch", Args: []byte(`{"url":"https://example.com"}`)}},
				ToolCallStatus: map[string]agentworld.ToolCallStatus{
					"tc-1": {Complete: true, Result: []byte(`"ok"`)},
				},
			},
		},
	}
	if err := s.SaveAgent(ctx, "w1", agent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "w1", "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Model != "gpt-4o" || got.TurnLimit != 5 || got.LLMCallCount != 2 {
		t.Errorf("agent fields lost: %+v", got)
	}
	if len(got.Memory) != 2 {
		t.Fatalf("expected 2 memory entries, got %d", len(got.Memory))
	}
	if got.Memory[1].ToolCalls[0].Name != "web_fetch" {
		t.Errorf("tool call lost: %+v", got.Memory[1])
	}
	if !got.Memory[1].ToolCallStatus["tc-1"].Complete {
		t.Errorf("tool call status lost: %+v", got.Memory[1].ToolCallStatus)
	}

	// An agent is scoped to its world.
	if _, err := s.GetAgent(ctx, "other-world", "a1"); !errors.Is(err, agentworld.ErrAgentNotFound) {
		t.Errorf("cross-world GetAgent = %v, want ErrAgentNotFound", err)
	}

	agents, err := s.ListAgents(ctx, "w1")
	if err != nil || len(agents) != 1 {
		t.Fatalf("ListAgents: %v, %v", agents, err)
	}

	if err := s.DeleteAgent(ctx, "w1", "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if err := s.DeleteAgent(ctx, "w1", "a1"); !errors.Is(err, agentworld.ErrAgentNotFound) {
		t.Errorf("second DeleteAgent = %v, want ErrAgentNotFound", err)
	}
}

func TestSaveAgentsBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	agents := make([]agentworld.Agent, 5)
	for i := range agents {
		agents[i] = agentworld.Agent{ID: fmt.Sprintf("a%d", i), Name: fmt.Sprintf("agent %d", i)}
	}
	if err := s.SaveAgents(ctx, "w1", agents); err != nil {
		t.Fatalf("SaveAgents: %v", err)
	}

	listed, err := s.ListAgents(ctx, "w1")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(listed) != 5 {
		t.Errorf("expected 5 agents, got %d", len(listed))
	}

	// A batch containing an agent with id-less memory writes nothing.
	bad := []agentworld.Agent{
		{ID: "b1", Name: "fine"},
		{ID: "b2", Name: "broken", Memory: []agentworld.AgentMessage{{Role: "user", Content: "no id"}}},
	}
	if err := s.SaveAgents(ctx, "w1", bad); err == nil {
		t.Fatal("expected validation error for memory entry without message id")
	}
	if _, err := s.GetAgent(ctx, "w1", "b1"); !errors.Is(err, agentworld.ErrAgentNotFound) {
		t.Errorf("partial batch write: b1 exists, err = %v", err)
	}
}

func TestChatCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	chat := agentworld.Chat{ID: "c1", WorldID: "w1", Name: agentworld.NewChatName, CreatedAt: 100}
	if err := s.SaveChat(ctx, chat); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}

	got, err := s.GetChat(ctx, "w1", "c1")
	if err != nil || got.Name != agentworld.NewChatName {
		t.Fatalf("GetChat: %+v, %v", got, err)
	}

	// Rename via upsert, the title generator path.
	chat.Name = "Planning session"
	if err := s.SaveChat(ctx, chat); err != nil {
		t.Fatalf("SaveChat rename: %v", err)
	}
	got, _ = s.GetChat(ctx, "w1", "c1")
	if got.Name != "Planning session" {
		t.Errorf("rename lost: %q", got.Name)
	}

	chats, err := s.ListChats(ctx, "w1")
	if err != nil || len(chats) != 1 {
		t.Fatalf("ListChats: %v, %v", chats, err)
	}

	if err := s.DeleteChat(ctx, "w1", "c1"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if _, err := s.GetChat(ctx, "w1", "c1"); !errors.Is(err, agentworld.ErrChatNotFound) {
		t.Errorf("GetChat after delete = %v, want ErrChatNotFound", err)
	}
}

func TestEventsOrderAndFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		chatID := "c1"
		if i == 3 {
			chatID = "c2"
		}
		e := agentworld.Event{
			ID:        fmt.Sprintf("e%d", i),
			Type:      agentworld.EventMessage,
			ChatID:    chatID,
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: int64(1000 + i),
		}
		if err := s.SaveEvent(ctx, "w1", e); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}

	all, err := s.GetEvents(ctx, "w1", "", 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(all) != 5 || all[0].Content != "msg 0" || all[4].Content != "msg 4" {
		t.Errorf("events not chronological: %v", all)
	}

	c1, _ := s.GetEvents(ctx, "w1", "c1", 0)
	if len(c1) != 4 {
		t.Errorf("chat filter returned %d events, want 4", len(c1))
	}

	limited, _ := s.GetEvents(ctx, "w1", "c1", 2)
	if len(limited) != 2 || limited[0].Content != "msg 2" || limited[1].Content != "msg 4" {
		t.Errorf("limit 2: expected the two most recent c1 events, got %v", limited)
	}
}

func TestEventUpsertByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := "m1-sse-start"
	e := agentworld.Event{ID: id, Type: agentworld.EventSSE, Content: "first", Timestamp: 1}
	if err := s.SaveEvent(ctx, "w1", e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	e.Content = "second"
	if err := s.SaveEvent(ctx, "w1", e); err != nil {
		t.Fatalf("SaveEvent replay: %v", err)
	}

	events, _ := s.GetEvents(ctx, "w1", "", 0)
	if len(events) != 1 {
		t.Fatalf("expected 1 event after replay, got %d", len(events))
	}
	if events[0].Content != "second" {
		t.Errorf("expected replayed content, got %q", events[0].Content)
	}
}

func TestEventPayloadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := agentworld.Event{
		ID:        agentworld.NewID(),
		Type:      agentworld.EventMessage,
		Sender:    "HUMAN",
		ChatID:    "c1",
		Content:   "@a1 hello",
		Timestamp: 1234,
		Message: &agentworld.AgentMessage{
			Role:      "user",
			Content:   "@a1 hello",
			MessageID: "m1",
			ChatID:    "c1",
			Sender:    "HUMAN",
		},
	}
	if err := s.SaveEvent(ctx, "w1", e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	events, err := s.GetEvents(ctx, "w1", "c1", 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("GetEvents: %v, %v", events, err)
	}
	got := events[0]
	if got.Message == nil || got.Message.MessageID != "m1" || got.Message.Role != "user" {
		t.Errorf("message payload lost: %+v", got.Message)
	}
}

func TestDeleteWorldCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	info := agentworld.WorldInfo{ID: "w1", Name: "demo", CreatedAt: 1}
	s.SaveWorld(ctx, info)
	s.SaveAgent(ctx, "w1", agentworld.Agent{ID: "a1", Name: "a1"})
	s.SaveChat(ctx, agentworld.Chat{ID: "c1", WorldID: "w1", Name: "x", CreatedAt: 1})
	s.SaveEvent(ctx, "w1", agentworld.Event{ID: "e1", Type: agentworld.EventMessage, Timestamp: 1})

	if err := s.DeleteWorld(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWorld: %v", err)
	}

	if agents, _ := s.ListAgents(ctx, "w1"); len(agents) != 0 {
		t.Errorf("agents survived world delete: %v", agents)
	}
	if chats, _ := s.ListChats(ctx, "w1"); len(chats) != 0 {
		t.Errorf("chats survived world delete: %v", chats)
	}
	if events, _ := s.GetEvents(ctx, "w1", "", 0); len(events) != 0 {
		t.Errorf("events survived world delete: %v", events)
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := agentworld.Agent{ID: fmt.Sprintf("a%d", n), Name: fmt.Sprintf("agent %d", n)}
			if err := s.SaveAgent(ctx, "w1", agent); err != nil {
				t.Errorf("SaveAgent a%d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	agents, err := s.ListAgents(ctx, "w1")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 10 {
		t.Errorf("expected 10 agents, got %d", len(agents))
	}
}
