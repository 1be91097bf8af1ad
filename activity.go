package agentworld

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

// activityTracker counts in-flight orchestrations for one world and
// publishes the response lifecycle: response-start on every begin,
// response-end when a completion leaves work pending, idle when the last
// completion drains the counter. Idle firing exactly once per conversation
// turn is what lets the title listener run once regardless of agent count.
type activityTracker struct {
	mu      sync.Mutex
	pending int
	publish func(kind string, pending int, reason string)
}

func newActivityTracker(publish func(kind string, pending int, reason string)) *activityTracker {
	if publish == nil {
		publish = func(string, int, string) {}
	}
	return &activityTracker{publish: publish}
}

// begin registers one in-flight operation and returns its completion handle.
// Calling the handle more than once is a no-op.
func (t *activityTracker) begin(reason string) (complete func()) {
	t.mu.Lock()
	t.pending++
	pending := t.pending
	t.mu.Unlock()
	t.publish(WorldResponseStart, pending, reason)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.pending--
			left := t.pending
			t.mu.Unlock()
			if left > 0 {
				t.publish(WorldResponseEnd, left, reason)
			} else {
				t.publish(WorldIdle, 0, reason)
			}
		})
	}
}

func (t *activityTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// --- Chat titles ---

const chatTitlePrompt = "Generate a short title (at most six words) for this conversation. Reply with the title only."

// maxTitleRunes caps generated chat titles.
const maxTitleRunes = 60

// titleGenerator renames a chat once real conversation has happened in it.
// Driven by the world's idle signal; a chat is renamed only while its name
// is still the placeholder, so repeated idles are harmless.
type titleGenerator struct {
	store         Store
	provider      Provider
	worldID       string
	logger        *slog.Logger
	publishSystem func(kind, title, chatID string)
}

func newTitleGenerator(store Store, provider Provider, worldID string, logger *slog.Logger, publishSystem func(kind, title, chatID string)) *titleGenerator {
	if logger == nil {
		logger = nopLogger
	}
	if publishSystem == nil {
		publishSystem = func(string, string, string) {}
	}
	return &titleGenerator{
		store:         store,
		provider:      provider,
		worldID:       worldID,
		logger:        logger,
		publishSystem: publishSystem,
	}
}

// maybeRename generates and saves a title for chatID when its name is still
// the placeholder. Returns true when a rename happened.
func (g *titleGenerator) maybeRename(ctx context.Context, chatID string) bool {
	if chatID == "" {
		return false
	}
	chat, err := g.store.GetChat(ctx, g.worldID, chatID)
	if err != nil {
		g.logger.Error("title: load chat failed", "chat_id", chatID, "error", err)
		return false
	}
	if chat.Name != NewChatName {
		return false
	}

	transcript := g.transcript(ctx, chatID)
	if transcript == "" {
		return false
	}

	title := g.generate(ctx, transcript)
	if title == "" {
		title = firstWords(transcript, 6)
	}
	title = truncateRunes(strings.TrimSpace(title), maxTitleRunes)
	if title == "" {
		return false
	}

	chat.Name = title
	if err := g.store.SaveChat(ctx, chat); err != nil {
		g.logger.Error("title: save chat failed", "chat_id", chatID, "error", err)
		return false
	}
	g.publishSystem(SystemChatTitleUpdated, title, chatID)
	g.logger.Debug("chat renamed", "chat_id", chatID, "title", title)
	return true
}

// transcript assembles recent message contents for the chat, newest last.
func (g *titleGenerator) transcript(ctx context.Context, chatID string) string {
	events, err := g.store.GetEvents(ctx, g.worldID, chatID, 20)
	if err != nil {
		g.logger.Error("title: load events failed", "chat_id", chatID, "error", err)
		return ""
	}
	var b strings.Builder
	for _, e := range events {
		if e.Type != EventMessage || e.Message == nil {
			continue
		}
		msg := e.Message
		if msg.Role == RoleTool || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if b.Len() > 2000 {
			break
		}
		b.WriteString(msg.Sender)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (g *titleGenerator) generate(ctx context.Context, transcript string) string {
	if g.provider == nil {
		return ""
	}
	resp, err := g.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(chatTitlePrompt),
			UserMessage(transcript),
		},
	})
	if err != nil {
		g.logger.Error("title: provider failed, using fallback", "error", err)
		return ""
	}
	return strings.Trim(strings.TrimSpace(resp.Content), `"`)
}

// firstWords returns the first n whitespace-separated words after the first
// "sender: " prefix, used when no provider is available or it fails.
func firstWords(transcript string, n int) string {
	line, _, _ := strings.Cut(transcript, "\n")
	if _, rest, ok := strings.Cut(line, ": "); ok {
		line = rest
	}
	words := strings.Fields(line)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
