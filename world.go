package agentworld

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	// defaultMailboxSize bounds each agent's job queue. Publishers never
	// block on a slow agent; overflow drops the message and records it in
	// the world error log.
	defaultMailboxSize = 64

	// defaultErrorLogSize bounds the per-world error log.
	defaultErrorLogSize = 100
)

// ProviderResolver maps an agent's provider/model configuration to a live
// Provider. Resolution happens on every LLM call so configuration edits take
// effect mid-conversation.
type ProviderResolver func(agent *Agent) (Provider, error)

// World is the runtime around one persisted world: the event bus, the agent
// runners, the activity tracker, and the listener handles. Create one with
// CreateWorld or LoadWorld and release it with Shutdown.
type World struct {
	store    Store
	bus      *Bus
	logger   *slog.Logger
	tracer   Tracer
	guard    *InjectionGuard
	registry *ToolRegistry
	checker  *ApprovalChecker
	resolve  ProviderResolver
	titleLLM Provider

	mem      *memoryManager
	activity *activityTracker
	titles   *titleGenerator
	errs     *errorRing

	mailboxSize  int
	errorLogSize int
	pendingTools []Tool // collected by WithTools until the registry exists

	mu      sync.RWMutex
	info    WorldInfo
	runners map[string]*agentRunner
	pending map[string]*approvalHandoff // tool_call_id -> parked activity handle
	detach  []func()
	closed  bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// WorldOption configures a World at load time.
type WorldOption func(*World)

// WithLogger sets the structured logger for the world and everything it
// wires up (bus, memory, persistence, titles).
func WithLogger(l *slog.Logger) WorldOption {
	return func(w *World) { w.logger = l }
}

// WithTracer sets the tracer for orchestration, provider, and tool spans.
func WithTracer(t Tracer) WorldOption {
	return func(w *World) { w.tracer = t }
}

// WithProvider pins every agent to a single provider regardless of its
// configuration. Intended for tests and single-provider deployments.
func WithProvider(p Provider) WorldOption {
	return func(w *World) {
		w.resolve = func(*Agent) (Provider, error) { return p, nil }
	}
}

// WithProviderResolver sets the per-agent provider lookup.
func WithProviderResolver(fn ProviderResolver) WorldOption {
	return func(w *World) { w.resolve = fn }
}

// WithTitleProvider sets the provider used for chat title generation. Without
// one, titles fall back to the first words of the conversation.
func WithTitleProvider(p Provider) WorldOption {
	return func(w *World) { w.titleLLM = p }
}

// WithToolRegistry replaces the default registry.
func WithToolRegistry(r *ToolRegistry) WorldOption {
	return func(w *World) { w.registry = r }
}

// WithTools registers server-side tools, applying the world's approval
// checker to flag the risky ones.
func WithTools(tools ...Tool) WorldOption {
	return func(w *World) { w.pendingTools = append(w.pendingTools, tools...) }
}

// WithApprovalChecker replaces the default approval policy.
func WithApprovalChecker(c *ApprovalChecker) WorldOption {
	return func(w *World) { w.checker = c }
}

// WithInjectionGuard attaches an advisory prompt-injection scanner to the
// message channel.
func WithInjectionGuard(g *InjectionGuard) WorldOption {
	return func(w *World) { w.guard = g }
}

// WithMailboxSize overrides the per-agent job queue capacity.
func WithMailboxSize(n int) WorldOption {
	return func(w *World) {
		if n > 0 {
			w.mailboxSize = n
		}
	}
}

// WithErrorLogSize overrides the bounded error log capacity.
func WithErrorLogSize(n int) WorldOption {
	return func(w *World) {
		if n > 0 {
			w.errorLogSize = n
		}
	}
}

// CreateWorld persists a new world identity and returns its loaded runtime.
func CreateWorld(ctx context.Context, store Store, name string, opts ...WorldOption) (*World, error) {
	info := WorldInfo{ID: NewID(), Name: name, CreatedAt: NowUnix()}
	if err := store.SaveWorld(ctx, info); err != nil {
		return nil, fmt.Errorf("create world: %w", err)
	}
	return LoadWorld(ctx, store, info.ID, opts...)
}

// LoadWorld builds the runtime for a stored world: it attaches the
// persistence, title, and guard listeners and starts a runner per agent.
// The caller keeps ownership of the store.
func LoadWorld(ctx context.Context, store Store, id string, opts ...WorldOption) (*World, error) {
	info, err := store.GetWorld(ctx, id)
	if err != nil {
		return nil, err
	}

	w := &World{
		store:        store,
		info:         info,
		runners:      make(map[string]*agentRunner),
		pending:      make(map[string]*approvalHandoff),
		mailboxSize:  defaultMailboxSize,
		errorLogSize: defaultErrorLogSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	if w.checker == nil {
		w.checker = NewApprovalChecker()
	}
	if w.registry == nil {
		w.registry = NewToolRegistry()
	}
	for _, t := range w.pendingTools {
		w.registry.Add(t, w.checker)
	}
	w.pendingTools = nil
	if w.resolve == nil {
		w.resolve = func(agent *Agent) (Provider, error) {
			return nil, fmt.Errorf("no provider configured for agent %s", agent.ID)
		}
	}

	w.errs = newErrorRing(w.errorLogSize)
	w.bus = NewBus(
		BusLogger(w.logger),
		BusErrorSink(func(channel string, err error) { w.errs.record("bus:"+channel, err) }),
	)
	w.activity = newActivityTracker(w.PublishWorldEvent)
	w.mem = newMemoryManager(store, info.ID, w.CurrentChatID, w.logger,
		func(op string, err error) { w.errs.record(op, err) })
	w.titles = newTitleGenerator(store, w.titleLLM, info.ID, w.logger, w.PublishSystemEvent)
	w.runCtx, w.cancelRun = context.WithCancel(context.Background())

	w.detach = append(w.detach, setupEventPersistence(w.bus, store, info.ID, w.logger))
	w.detach = append(w.detach, w.attachTitleListener())
	if w.guard != nil {
		w.detach = append(w.detach, w.attachGuardListener())
	}

	agents, err := store.ListAgents(ctx, info.ID)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for _, a := range agents {
		w.startAgent(a)
	}

	w.logger.Info("world loaded", "world_id", info.ID, "name", info.Name, "agents", len(agents))
	return w, nil
}

// ID returns the world's stable identifier.
func (w *World) ID() string { return w.info.ID }

// Name returns the world's display name.
func (w *World) Name() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.info.Name
}

// Info returns a copy of the persisted world identity.
func (w *World) Info() WorldInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.info
}

// Bus exposes the world's event bus so clients can subscribe to channels.
func (w *World) Bus() *Bus { return w.bus }

// AddTool registers a server-side tool on a running world.
func (w *World) AddTool(t Tool) {
	w.registry.Add(t, w.checker)
}

// PendingOperations reports the number of in-flight orchestrations,
// approval waits included.
func (w *World) PendingOperations() int {
	return w.activity.pendingCount()
}

// PendingApprovals returns the tool_call_ids parked waiting for a human
// decision.
func (w *World) PendingApprovals() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.pending))
	for id := range w.pending {
		out = append(out, id)
	}
	return out
}

// RecentErrors returns the world's bounded error log, oldest first.
func (w *World) RecentErrors() []ErrorEntry {
	return w.errs.recent()
}

// Shutdown detaches every listener, stops the agent runners, and drains
// queued work. The context bounds the drain: once it expires, in-flight
// provider and tool calls are canceled. The store stays open; the caller
// owns it. Shutdown is idempotent.
func (w *World) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	detach := w.detach
	w.detach = nil
	runners := make([]*agentRunner, 0, len(w.runners))
	for _, r := range w.runners {
		runners = append(runners, r)
	}
	w.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	for _, r := range runners {
		r.stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		w.cancelRun()
		<-done
	}
	w.cancelRun()
	w.bus.Close()
	w.logger.Info("world shut down", "world_id", w.info.ID)
	return err
}

// Delete shuts the world down and removes it from storage together with its
// agents, chats, and events.
func (w *World) Delete(ctx context.Context) error {
	if err := w.Shutdown(ctx); err != nil {
		w.logger.Warn("shutdown during delete", "world_id", w.info.ID, "error", err)
	}
	return w.store.DeleteWorld(ctx, w.info.ID)
}

func (w *World) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// --- Approval handoffs ---

// approvalHandoff parks the activity handle of a turn that stopped at a
// client.requestApproval call. The tool-result handler claims it so the
// whole request/decision/execute/resume sequence counts as one operation
// and the world never reports a false idle in between.
type approvalHandoff struct {
	complete func()
	agentID  string
	chatID   string
}

func (w *World) parkHandoff(callID string, h approvalHandoff) {
	if h.complete == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[callID] = &h
}

func (w *World) claimHandoff(callID string) (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.pending[callID]
	if !ok {
		return nil, false
	}
	delete(w.pending, callID)
	return h.complete, true
}

// releaseChatHandoffs settles every handoff parked for a chat. Called when
// the chat is deleted so the pending count drains.
func (w *World) releaseChatHandoffs(chatID string) {
	w.mu.Lock()
	var completes []func()
	for id, h := range w.pending {
		if h.chatID == chatID {
			completes = append(completes, h.complete)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()
	for _, fn := range completes {
		fn()
	}
}

// releaseAgentHandoffs settles every handoff parked for an agent. Called
// when the agent is deleted.
func (w *World) releaseAgentHandoffs(agentID string) {
	w.mu.Lock()
	var completes []func()
	for id, h := range w.pending {
		if h.agentID == agentID {
			completes = append(completes, h.complete)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()
	for _, fn := range completes {
		fn()
	}
}

// --- Bounded error log ---

// ErrorEntry is one entry of the world's bounded error log.
type ErrorEntry struct {
	Time    int64  `json:"time"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// errorRing keeps the most recent runtime failures. Recording never blocks
// and the log never grows past max.
type errorRing struct {
	mu      sync.Mutex
	max     int
	entries []ErrorEntry
}

func newErrorRing(max int) *errorRing {
	if max <= 0 {
		max = defaultErrorLogSize
	}
	return &errorRing{max: max}
}

func (r *errorRing) record(source string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ErrorEntry{Time: NowUnix(), Source: source, Message: err.Error()})
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

func (r *errorRing) recent() []ErrorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// --- Streaming toggle ---

// streamingDisabled is inverted so the zero value means streaming on.
var streamingDisabled atomic.Bool

// SetStreaming toggles SSE streaming process-wide. Streaming is on by
// default; with it off, providers answer in a single ChatResponse and no SSE
// events are emitted.
func SetStreaming(enabled bool) { streamingDisabled.Store(!enabled) }

// StreamingEnabled reports whether provider responses stream.
func StreamingEnabled() bool { return !streamingDisabled.Load() }

var errMailboxFull = errors.New("mailbox full, message dropped")
