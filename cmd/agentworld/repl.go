package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	agentworld "github.com/yysun/agent-world-sub010"
)

const helpText = `
commands:
  /new                start a fresh chat
  /chats              list chats
  /chat <id>          switch to a chat
  /agents             list agents
  /approve [session]  approve the pending tool call (default scope: once)
  /deny               deny the pending tool call
  /errors             show the world's recent errors
  /quit               exit`

// repl is an interactive terminal session against one world. It renders the
// bus traffic for the current chat and turns typed lines into human messages
// or commands.
type repl struct {
	world *agentworld.World
	in    io.Reader
	out   io.Writer

	mu       sync.Mutex
	streamed map[string]bool // message ids already rendered via SSE chunks
	approval *pendingApproval

	wake chan struct{}
}

// pendingApproval is the last approval request waiting on the human.
type pendingApproval struct {
	agentID  string
	callID   string
	toolName string
}

func newRepl(world *agentworld.World, in io.Reader, out io.Writer) *repl {
	return &repl{
		world:    world,
		in:       in,
		out:      out,
		streamed: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

func (r *repl) run(ctx context.Context) error {
	defer r.subscribe()()

	fmt.Fprintf(r.out, "world %q ready. /help for commands.\n", r.world.Name())
	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if _, err := r.world.PublishMessage(line, agentworld.SenderHuman, ""); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		r.await(ctx)
	}
}

func (r *repl) subscribe() func() {
	bus := r.world.Bus()
	unsubs := []func(){
		bus.Subscribe(agentworld.EventSSE, r.onSSE),
		bus.Subscribe(agentworld.EventMessage, r.onMessage),
		bus.Subscribe(agentworld.EventTool, r.onTool),
		bus.Subscribe(agentworld.EventWorld, r.onWorld),
		bus.Subscribe(agentworld.EventSystem, r.onSystem),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *repl) onSSE(ev agentworld.Event) error {
	sse := ev.SSE
	if sse == nil || ev.ChatID != r.world.CurrentChatID() {
		return nil
	}
	switch sse.Kind {
	case agentworld.SSEStart:
		fmt.Fprintf(r.out, "\n%s> ", ev.AgentName)
	case agentworld.SSEChunk:
		fmt.Fprint(r.out, sse.Content)
	case agentworld.SSEEnd:
		r.mu.Lock()
		r.streamed[sse.MessageID] = true
		r.mu.Unlock()
		fmt.Fprintln(r.out)
	}
	return nil
}

func (r *repl) onMessage(ev agentworld.Event) error {
	msg := ev.Message
	if msg == nil || msg.ChatID != r.world.CurrentChatID() {
		return nil
	}
	if agentworld.IsHumanSender(msg.Sender) {
		return nil // typed here, already on screen
	}
	// Approval requests need the human: surface them and remember the call.
	if len(msg.ToolCalls) > 0 && msg.ToolCalls[0].Name == agentworld.ClientApprovalTool {
		r.showApproval(msg)
		return nil
	}
	// SSE already rendered streamed turns; tool-role records and empty
	// tool-call turns carry nothing to show.
	r.mu.Lock()
	rendered := r.streamed[msg.MessageID]
	delete(r.streamed, msg.MessageID)
	r.mu.Unlock()
	if rendered || msg.Role == agentworld.RoleTool || strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	fmt.Fprintf(r.out, "\n%s> %s\n", msg.Sender, msg.Content)
	return nil
}

func (r *repl) showApproval(msg *agentworld.AgentMessage) {
	var req struct {
		ToolName   string          `json:"toolName"`
		ToolArgs   json.RawMessage `json:"toolArgs"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(msg.ToolCalls[0].Args, &req); err != nil {
		fmt.Fprintf(r.out, "\nmalformed approval request from %s\n", msg.Sender)
		return
	}
	r.mu.Lock()
	r.approval = &pendingApproval{agentID: msg.Sender, callID: req.ToolCallID, toolName: req.ToolName}
	r.mu.Unlock()
	fmt.Fprintf(r.out, "\n%s wants to run %s %s\n", msg.Sender, req.ToolName, req.ToolArgs)
	fmt.Fprintln(r.out, "type /approve, /approve session, or /deny")
	r.signal()
}

func (r *repl) onTool(ev agentworld.Event) error {
	p := ev.Tool
	if p == nil || ev.ChatID != r.world.CurrentChatID() {
		return nil
	}
	switch p.Phase {
	case agentworld.ToolPhaseStart:
		fmt.Fprintf(r.out, "\n[%s running %s]\n", p.AgentID, p.ToolName)
	case agentworld.ToolPhaseError:
		fmt.Fprintf(r.out, "[%s %s failed: %s]\n", p.AgentID, p.ToolName, p.Result)
	}
	return nil
}

func (r *repl) onWorld(ev agentworld.Event) error {
	if ev.World != nil && ev.World.Kind == agentworld.WorldIdle {
		r.signal()
	}
	return nil
}

func (r *repl) onSystem(ev agentworld.Event) error {
	if ev.System != nil && ev.System.Kind == agentworld.SystemChatTitleUpdated {
		fmt.Fprintf(r.out, "\n[chat titled %q]\n", ev.System.Title)
	}
	return nil
}

func (r *repl) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// await blocks until the world settles: all turns idle, or an approval
// waiting on the human. Turns keep running in the background either way;
// this only keeps the prompt from interleaving with streamed output.
func (r *repl) await(ctx context.Context) {
	timer := time.NewTimer(2 * time.Minute)
	defer timer.Stop()
	for {
		if r.world.PendingOperations() == 0 || r.pendingApproval() != nil {
			return
		}
		select {
		case <-r.wake:
		case <-timer.C:
			fmt.Fprintln(r.out, "[still working in the background]")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *repl) pendingApproval() *pendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approval
}

func (r *repl) command(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, strings.TrimSpace(helpText))
	case "/new":
		chat, err := r.world.NewChat(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "started chat %s\n", chat.ID)
	case "/chats":
		chats, err := r.world.ListChats(ctx)
		if err != nil {
			return false, err
		}
		current := r.world.CurrentChatID()
		for _, c := range chats {
			marker := " "
			if c.ID == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, " %s %s  %s\n", marker, c.ID, c.Name)
		}
	case "/chat":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /chat <id>")
		}
		if err := r.world.SetCurrentChat(ctx, fields[1]); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "switched to chat %s\n", fields[1])
	case "/agents":
		agents, err := r.world.ListAgents(ctx)
		if err != nil {
			return false, err
		}
		for _, a := range agents {
			fmt.Fprintf(r.out, "  %s (%s %s, %d messages)\n", a.ID, a.Provider, a.Model, len(a.Memory))
		}
	case "/approve":
		scope := agentworld.ScopeOnce
		if len(fields) > 1 && fields[1] == agentworld.ScopeSession {
			scope = agentworld.ScopeSession
		}
		return false, r.decide(ctx, agentworld.DecisionApprove, scope)
	case "/deny":
		return false, r.decide(ctx, agentworld.DecisionDeny, agentworld.ScopeOnce)
	case "/errors":
		entries := r.world.RecentErrors()
		if len(entries) == 0 {
			fmt.Fprintln(r.out, "no recent errors")
		}
		for _, e := range entries {
			fmt.Fprintf(r.out, "  %s: %s\n", e.Source, e.Message)
		}
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// decide publishes the human's approval decision for the pending call and
// waits for the resumed turn to settle.
func (r *repl) decide(ctx context.Context, decision, scope string) error {
	r.mu.Lock()
	p := r.approval
	r.approval = nil
	r.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no approval pending")
	}
	if _, err := r.world.PublishToolResult(agentworld.ToolResultInput{
		ToolCallID: p.callID,
		Decision:   decision,
		Scope:      scope,
		ToolName:   p.toolName,
		AgentID:    p.agentID,
		ChatID:     r.world.CurrentChatID(),
	}); err != nil {
		return err
	}
	r.await(ctx)
	return nil
}
