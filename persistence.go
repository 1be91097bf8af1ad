package agentworld

import (
	"context"
	"log/slog"
)

// setupEventPersistence attaches the storage listeners for one world and
// returns a handle that detaches them. Message events persist under their
// messageId; SSE start/end persist under composite ids so they never collide
// with the message row; SSE chunks are too high-frequency and never reach
// storage. Persistence failures are logged and never propagate to the
// emitter.
func setupEventPersistence(bus *Bus, store Store, worldID string, logger *slog.Logger) (detach func()) {
	if logger == nil {
		logger = nopLogger
	}
	p := &eventPersister{store: store, worldID: worldID, logger: logger}

	subs := []func(){
		bus.Subscribe(EventMessage, p.persistMessage),
		bus.Subscribe(EventSSE, p.persistSSE),
		bus.Subscribe(EventTool, p.persistPlain),
		bus.Subscribe(EventSystem, p.persistPlain),
		bus.Subscribe(EventCRUD, p.persistPlain),
	}
	return func() {
		for _, unsubscribe := range subs {
			unsubscribe()
		}
	}
}

type eventPersister struct {
	store   Store
	worldID string
	logger  *slog.Logger
}

func (p *eventPersister) persistMessage(event Event) error {
	if event.Message != nil && event.Message.MessageID != "" {
		event.ID = event.Message.MessageID
	}
	p.save(event)
	return nil
}

func (p *eventPersister) persistSSE(event Event) error {
	if event.SSE == nil {
		return nil
	}
	switch event.SSE.Kind {
	case SSEChunk:
		return nil
	case SSEStart, SSEEnd:
		if event.SSE.MessageID != "" {
			event.ID = event.SSE.MessageID + "-sse-" + event.SSE.Kind
		}
	}
	p.save(event)
	return nil
}

func (p *eventPersister) persistPlain(event Event) error {
	p.save(event)
	return nil
}

func (p *eventPersister) save(event Event) {
	if err := p.store.SaveEvent(context.Background(), p.worldID, event); err != nil {
		p.logger.Error("event persistence failed",
			"world_id", p.worldID, "event_id", event.ID, "type", event.Type, "error", err)
	}
}
