package agentworld

import (
	"context"
	"errors"
	"sync"
)

// failingStore wraps a real store and fails selected operations.
// Embed the interface so only the broken methods need overriding.
type failingStore struct {
	Store
	failSaveAgent bool
	failSaveEvent bool
	failSaveChat  bool
}

var errStoreBroken = errors.New("store broken")

func (f *failingStore) SaveAgent(ctx context.Context, worldID string, agent Agent) error {
	if f.failSaveAgent {
		return errStoreBroken
	}
	return f.Store.SaveAgent(ctx, worldID, agent)
}

func (f *failingStore) SaveEvent(ctx context.Context, worldID string, event Event) error {
	if f.failSaveEvent {
		return errStoreBroken
	}
	return f.Store.SaveEvent(ctx, worldID, event)
}

func (f *failingStore) SaveChat(ctx context.Context, chat Chat) error {
	if f.failSaveChat {
		return errStoreBroken
	}
	return f.Store.SaveChat(ctx, chat)
}

// scriptedProvider returns canned responses popped in order.
type scriptedProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error // parallel to responses; nil entries mean success
	idx       int
	calls     []ChatRequest // every request seen, in order
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(req)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	resp, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.Content != "" {
		ch <- resp.Content
	}
	return resp, nil
}

func (p *scriptedProvider) next(req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.idx >= len(p.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	resp := p.responses[p.idx]
	var err error
	if p.idx < len(p.errs) {
		err = p.errs[p.idx]
	}
	p.idx++
	return resp, err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// eventCapture collects bus events for later assertions. Safe for use from
// orchestrator goroutines.
type eventCapture struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCapture) handler() EventHandler {
	return func(event Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
		return nil
	}
}

func (c *eventCapture) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCapture) byType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
