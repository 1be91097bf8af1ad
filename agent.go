package agentworld

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// defaultTurnLimit caps consecutive LLM calls between human or world inputs.
const defaultTurnLimit = 5

// Agent ids double as mention targets, so they must match the mention
// token charset.
var agentIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func validateAgentID(id string) error {
	if id == "" {
		return errors.New("agent id required")
	}
	if !agentIDRe.MatchString(id) {
		return fmt.Errorf("agent id %q: only letters, digits, '_' and '-' are allowed", id)
	}
	if IsHumanSender(id) ||
		strings.EqualFold(id, SenderWorld) ||
		strings.EqualFold(id, SenderSystem) {
		return fmt.Errorf("agent id %q is reserved", id)
	}
	return nil
}

// CreateAgent validates, persists, and activates a new agent. A missing
// turn limit defaults to 5; a missing name defaults to the id.
func (w *World) CreateAgent(ctx context.Context, agent Agent) (*Agent, error) {
	agent.ID = strings.TrimSpace(agent.ID)
	if err := validateAgentID(agent.ID); err != nil {
		return nil, err
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if agent.TurnLimit <= 0 {
		agent.TurnLimit = defaultTurnLimit
	}

	w.mu.RLock()
	_, exists := w.runners[agent.ID]
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return nil, errors.New("world is shut down")
	}
	if exists {
		return nil, fmt.Errorf("agent %s already exists", agent.ID)
	}

	if err := w.store.SaveAgent(ctx, w.info.ID, agent); err != nil {
		return nil, err
	}
	w.startAgent(agent)
	w.PublishCRUD("create", "agent", agent.ID)
	w.logger.Info("agent created",
		"world_id", w.info.ID, "agent_id", agent.ID,
		"provider", agent.Provider, "model", agent.Model)
	out := cloneAgent(agent)
	return &out, nil
}

// UpdateAgent applies the non-zero configuration fields of in to the stored
// agent. Memory and the LLM call counter are preserved. The update runs on
// the agent's runner so it never races a turn in progress.
func (w *World) UpdateAgent(ctx context.Context, in Agent) (*Agent, error) {
	var updated Agent
	err := w.runOnAgent(ctx, in.ID, func(ctx context.Context, agent *Agent) error {
		if in.Name != "" {
			agent.Name = in.Name
		}
		if in.SystemPrompt != "" {
			agent.SystemPrompt = in.SystemPrompt
		}
		if in.Provider != "" {
			agent.Provider = in.Provider
		}
		if in.Model != "" {
			agent.Model = in.Model
		}
		if in.Temperature != 0 {
			agent.Temperature = in.Temperature
		}
		if in.TurnLimit > 0 {
			agent.TurnLimit = in.TurnLimit
		}
		if err := w.store.SaveAgent(ctx, w.info.ID, *agent); err != nil {
			return err
		}
		updated = cloneAgent(*agent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if r := w.runners[in.ID]; r != nil {
		r.name = updated.Name
	}
	w.mu.Unlock()
	w.PublishCRUD("update", "agent", in.ID)
	return &updated, nil
}

// GetAgent loads an agent fresh from storage, memory included.
func (w *World) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	agent, err := w.store.GetAgent(ctx, w.info.ID, agentID)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents loads every agent of the world from storage.
func (w *World) ListAgents(ctx context.Context) ([]Agent, error) {
	return w.store.ListAgents(ctx, w.info.ID)
}

// DeleteAgent stops the agent's runner, settles any approval wait it left
// behind, and removes it from storage.
func (w *World) DeleteAgent(ctx context.Context, agentID string) error {
	w.mu.Lock()
	r, ok := w.runners[agentID]
	delete(w.runners, agentID)
	w.mu.Unlock()
	if ok {
		r.stop()
	}
	w.releaseAgentHandoffs(agentID)
	if err := w.store.DeleteAgent(ctx, w.info.ID, agentID); err != nil {
		return err
	}
	w.PublishCRUD("delete", "agent", agentID)
	w.logger.Info("agent deleted", "world_id", w.info.ID, "agent_id", agentID)
	return nil
}

// ClearAgentMemory wipes the agent's memory and resets its call counter.
// The wipe runs on the agent's runner so it never races a turn in progress.
func (w *World) ClearAgentMemory(ctx context.Context, agentID string) error {
	err := w.runOnAgent(ctx, agentID, func(ctx context.Context, agent *Agent) error {
		agent.Memory = nil
		agent.LLMCallCount = 0
		return w.store.SaveAgent(ctx, w.info.ID, *agent)
	})
	if err != nil {
		return err
	}
	w.PublishCRUD("update", "agent", agentID)
	return nil
}

// UpdateMessage rewrites the content of one memory entry. Failures land in
// the world error log.
func (w *World) UpdateMessage(ctx context.Context, agentID, messageID, content string) error {
	err := w.runOnAgent(ctx, agentID, func(ctx context.Context, agent *Agent) error {
		return w.mem.rewriteMessage(ctx, agent, messageID, content)
	})
	if err != nil {
		w.errs.record("updateMessage", err)
		return err
	}
	w.PublishCRUD("update", "message", messageID)
	return nil
}

// DeleteMessage removes one memory entry. Failures land in the world error
// log.
func (w *World) DeleteMessage(ctx context.Context, agentID, messageID string) error {
	err := w.runOnAgent(ctx, agentID, func(ctx context.Context, agent *Agent) error {
		return w.mem.removeMessage(ctx, agent, messageID)
	})
	if err != nil {
		w.errs.record("deleteMessage", err)
		return err
	}
	w.PublishCRUD("delete", "message", messageID)
	return nil
}

// --- Runner ---

// agentJob is one unit of work queued on an agent's mailbox. Exactly one of
// trigger, toolMsg, or fn is set.
type agentJob struct {
	trigger  *AgentMessage    // message the agent decided to respond to
	toolMsg  *AgentMessage    // tool-result envelope message
	env      *MessageEnvelope // parsed envelope for toolMsg
	fn       func(ctx context.Context)
	complete func() // activity handle; nil for tool and fn jobs
}

// agentRunner serializes all work for one agent. Bus handlers enqueue; the
// runner goroutine is the only writer of the agent's memory.
type agentRunner struct {
	agentID string
	name    string

	mu     sync.Mutex
	jobs   chan agentJob
	closed bool

	unsub []func()
}

// send enqueues without blocking. It reports false when the mailbox is full
// or the runner stopped.
func (r *agentRunner) send(job agentJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

// stop unsubscribes the runner's handlers and closes the mailbox. Queued
// jobs still drain before the goroutine exits.
func (r *agentRunner) stop() {
	for _, unsub := range r.unsub {
		unsub()
	}
	r.unsub = nil
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
}

// startAgent wires a runner and its bus subscription for one agent.
func (w *World) startAgent(agent Agent) {
	r := &agentRunner{
		agentID: agent.ID,
		name:    agent.Name,
		jobs:    make(chan agentJob, w.mailboxSize),
	}
	r.unsub = append(r.unsub, w.bus.Subscribe(EventMessage, w.agentMessageHandler(r)))

	w.mu.Lock()
	w.runners[agent.ID] = r
	w.mu.Unlock()

	w.wg.Add(1)
	go w.runAgent(r)
}

// runAgent drains the mailbox until the runner stops. After the world's run
// context is canceled, remaining jobs only settle their activity handles.
func (w *World) runAgent(r *agentRunner) {
	defer w.wg.Done()
	for job := range r.jobs {
		select {
		case <-w.runCtx.Done():
			if job.complete != nil {
				job.complete()
			}
			continue
		default:
		}
		w.processJob(w.runCtx, r, job)
	}
}

// enqueue hands a job to the runner, recording overflow in the error log.
func (w *World) enqueue(r *agentRunner, job agentJob) bool {
	if r.send(job) {
		return true
	}
	w.logger.Warn("agent mailbox full, dropping message", "agent_id", r.agentID)
	w.errs.record("mailbox:"+r.agentID, errMailboxFull)
	return false
}

// runOnAgent executes fn on the agent's runner goroutine, serialized with
// message processing, and waits for it to finish.
func (w *World) runOnAgent(ctx context.Context, agentID string, fn func(context.Context, *Agent) error) error {
	w.mu.RLock()
	r, ok := w.runners[agentID]
	w.mu.RUnlock()
	if !ok {
		return ErrAgentNotFound
	}
	done := make(chan error, 1)
	job := agentJob{fn: func(jobCtx context.Context) {
		agent, err := w.store.GetAgent(jobCtx, w.info.ID, agentID)
		if err != nil {
			done <- err
			return
		}
		done <- fn(jobCtx, &agent)
	}}
	if !w.enqueue(r, job) {
		return errMailboxFull
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
