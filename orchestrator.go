package agentworld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// maxTurnIterations caps LLM calls within one orchestration so a tool-happy
// model cannot spin forever. Approval waits do not count: the turn parks and
// a fresh orchestration resumes it after the decision.
const maxTurnIterations = 10

// toolOutcome is the JSON recorded in toolCallStatus.Result.
type toolOutcome struct {
	Decision string `json:"decision,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Content  string `json:"content"`
}

func encodeOutcome(o toolOutcome) json.RawMessage {
	b, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return b
}

// processAgentMessage runs the LLM loop for one agent turn: prepare, call,
// then either publish text, execute a tool and iterate, or park on an
// approval request. trigger is nil when resuming after a tool result.
//
// The return value is the tool_call_id the turn parked on, or "" when the
// turn fully completed.
func (w *World) processAgentMessage(ctx context.Context, r *agentRunner, trigger *AgentMessage, chatID string) (pendingCallID string) {
	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "world.agent_turn",
			StringAttr("agent.id", r.agentID),
			StringAttr("chat.id", chatID),
			BoolAttr("agent.resume", trigger == nil))
		defer span.End()
	}

	for iter := 0; iter < maxTurnIterations; iter++ {
		msgs, agent, err := prepareMessages(ctx, w.store, w.info.ID, r.agentID, chatID)
		if err != nil {
			w.logger.Error("prepare messages failed", "agent_id", r.agentID, "error", err)
			if span != nil {
				span.Error(err)
			}
			return ""
		}
		if len(msgs) == 0 {
			w.logger.Debug("nothing to send", "agent_id", agent.ID, "chat_id", chatID)
			return ""
		}

		limit := agent.TurnLimit
		if limit <= 0 {
			limit = defaultTurnLimit
		}
		if agent.LLMCallCount >= limit {
			w.logger.Warn("turn limit reached",
				"agent_id", agent.ID, "llm_calls", agent.LLMCallCount, "limit", limit)
			w.PublishMessage(
				fmt.Sprintf("@human %s for %s after %d consecutive replies. Waiting for human input.",
					TurnLimitMarker, agent.ID, agent.LLMCallCount),
				agent.ID, chatID)
			return ""
		}

		provider, err := w.resolve(agent)
		if err == nil && provider == nil {
			err = errors.New("resolver returned no provider")
		}
		if err != nil {
			w.failTurn(ctx, agent, chatID, err)
			if span != nil {
				span.Error(err)
			}
			return ""
		}

		w.mem.bumpLLMCalls(ctx, agent)
		w.logger.Debug("agent turn iteration",
			"agent_id", agent.ID, "iteration", iter, "messages", len(msgs))

		req := ChatRequest{Messages: msgs, Tools: w.registry.Definitions()}
		messageID := NewID()
		resp, err := w.callProvider(ctx, provider, agent, req, messageID, chatID)
		if err != nil {
			w.failTurn(ctx, agent, chatID, err)
			if span != nil {
				span.Error(err)
			}
			return ""
		}

		if len(resp.ToolCalls) == 0 {
			w.finishTextTurn(ctx, agent, trigger, resp.Content, messageID, chatID)
			return ""
		}

		pendingID, resume := w.handleToolCalls(ctx, agent, resp, messageID, chatID)
		if pendingID != "" {
			if span != nil {
				span.Event("approval_requested", StringAttr("tool_call_id", pendingID))
			}
			return pendingID
		}
		if !resume {
			return ""
		}
	}
	w.logger.Warn("turn iteration cap reached", "agent_id", r.agentID, "cap", maxTurnIterations)
	return ""
}

// callProvider performs one LLM call, streaming it onto the SSE channel
// unless streaming is disabled. Start and end events bracket the chunks for
// messageID regardless of how many chunks arrive.
func (w *World) callProvider(ctx context.Context, provider Provider, agent *Agent, req ChatRequest, messageID, chatID string) (ChatResponse, error) {
	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "llm.chat",
			StringAttr("llm.provider", provider.Name()),
			StringAttr("llm.model", agent.Model),
			IntAttr("llm.messages", len(req.Messages)))
		defer span.End()
	}

	if !StreamingEnabled() {
		resp, err := provider.Chat(ctx, req)
		if span != nil {
			if err != nil {
				span.Error(err)
			} else {
				span.SetAttr(
					IntAttr("llm.input_tokens", resp.Usage.InputTokens),
					IntAttr("llm.output_tokens", resp.Usage.OutputTokens))
			}
		}
		return resp, err
	}

	w.PublishSSE(chatID, SSEPayload{AgentName: agent.Name, Kind: SSEStart, MessageID: messageID})
	ch := make(chan string, 64)
	done := make(chan int, 1)
	go func() {
		n := 0
		for chunk := range ch {
			n++
			w.PublishSSE(chatID, SSEPayload{
				AgentName: agent.Name, Kind: SSEChunk, MessageID: messageID, Content: chunk,
			})
		}
		done <- n
	}()
	resp, err := provider.ChatStream(ctx, req, ch)
	chunks := <-done

	end := SSEPayload{AgentName: agent.Name, Kind: SSEEnd, MessageID: messageID}
	if err == nil {
		end.Usage = &resp.Usage
	}
	w.PublishSSE(chatID, end)

	if span != nil {
		span.SetAttr(IntAttr("llm.chunks", chunks))
		if err != nil {
			span.Error(err)
		} else {
			span.SetAttr(
				IntAttr("llm.input_tokens", resp.Usage.InputTokens),
				IntAttr("llm.output_tokens", resp.Usage.OutputTokens))
		}
	}
	return resp, err
}

// finishTextTurn persists and broadcasts a plain text reply. Leading self
// mentions are stripped first; a reply to another agent is auto-addressed
// back at it so conversations keep threading.
func (w *World) finishTextTurn(ctx context.Context, agent *Agent, trigger *AgentMessage, content, messageID, chatID string) {
	content = RemoveSelfMentions(content, agent.ID)
	if trigger != nil && isAgentPeer(trigger.Sender) {
		content = AddAutoMention(content, trigger.Sender)
	}
	if strings.TrimSpace(content) == "" {
		w.logger.Debug("empty response, nothing to publish", "agent_id", agent.ID)
		return
	}
	msg := AgentMessage{
		Content:   content,
		MessageID: messageID,
		ChatID:    chatID,
	}
	if trigger != nil {
		msg.ReplyToMessageID = trigger.MessageID
	}
	saved := w.mem.appendAssistantTurn(ctx, agent, msg)
	w.publishAgentTurn(agent, saved)
}

// handleToolCalls persists the assistant turn carrying the model's tool
// calls and dispatches the first one. A risky call without a prior grant
// parks the turn on a client.requestApproval request and returns its
// original tool_call_id; an approval-free or pre-granted call executes
// inline and asks the loop to continue.
func (w *World) handleToolCalls(ctx context.Context, agent *Agent, resp ChatResponse, messageID, chatID string) (pendingCallID string, resume bool) {
	call := resp.ToolCalls[0]
	if len(resp.ToolCalls) > 1 {
		w.logger.Warn("multiple tool calls in one response, processing first only",
			"agent_id", agent.ID, "count", len(resp.ToolCalls), "tool", call.Name)
	}

	// The full turn persists, extra calls included, so the record matches
	// what the model actually said.
	turn := AgentMessage{
		Content:   resp.Content,
		MessageID: messageID,
		ChatID:    chatID,
		ToolCalls: resp.ToolCalls,
	}
	saved := w.mem.appendAssistantTurn(ctx, agent, turn)
	w.publishAgentTurn(agent, saved)

	capability, known := w.registry.Get(call.Name)
	if known && capability.RequiresApproval && capability.Location == ToolLocationServer {
		chatMem := memoryInChat(agent.Memory, chatID)
		session := w.checker.FindSessionApproval(chatMem, call.Name)
		once := w.checker.FindOnceApproval(chatMem, call.Name)
		if session == nil && once == nil {
			w.requestApproval(ctx, agent, call, chatID)
			return call.ID, false
		}
		if session == nil && once.ToolCallID != call.ID {
			// A once grant authorizes exactly one run. Mark its referenced
			// call complete so the grant cannot cover a second call.
			if err := w.mem.updateToolCallStatus(ctx, agent, once.ToolCallID, ToolCallStatus{
				Complete: true,
				Result: encodeOutcome(toolOutcome{
					Decision: DecisionApprove, Scope: ScopeOnce, Content: "consumed by " + call.ID,
				}),
			}); err != nil {
				w.logger.Warn("once grant consumption failed", "agent_id", agent.ID, "error", err)
			}
		}
		w.logger.Debug("prior approval found", "agent_id", agent.ID, "tool", call.Name)
	}

	result := w.executeToolCall(ctx, agent, call, "", chatID)
	w.mem.append(ctx, agent, AgentMessage{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: call.ID,
		ChatID:     chatID,
	})
	if err := w.mem.updateToolCallStatus(ctx, agent, call.ID,
		ToolCallStatus{Complete: true, Result: encodeOutcome(toolOutcome{Content: result})}); err != nil {
		w.logger.Error("tool status update failed", "agent_id", agent.ID, "error", err)
	}
	return "", true
}

// requestApproval persists and broadcasts the client.requestApproval turn
// for call. The pseudo-call id is the original id behind the approval
// prefix, which keeps the request and its answer out of LLM context and
// lets the decision find its request without extra bookkeeping.
func (w *World) requestApproval(ctx context.Context, agent *Agent, call ToolCall, chatID string) {
	args, err := json.Marshal(map[string]any{
		"toolName":     call.Name,
		"toolArgs":     w.checker.RedactRawArgs(call.Args),
		"tool_call_id": call.ID,
		"options":      ApprovalOptions,
	})
	if err != nil {
		args = nil
	}
	requestID := ApprovalIDPrefix + call.ID
	turn := AgentMessage{
		MessageID: NewID(),
		ChatID:    chatID,
		ToolCalls: []ToolCall{{
			ID:   requestID,
			Name: ClientApprovalTool,
			Args: args,
		}},
		ToolCallStatus: map[string]ToolCallStatus{requestID: {Complete: false}},
	}
	saved := w.mem.appendAssistantTurn(ctx, agent, turn)
	w.publishAgentTurn(agent, saved)
	w.logger.Info("tool approval requested",
		"agent_id", agent.ID, "tool", call.Name, "tool_call_id", call.ID)
}

// executeToolCall runs one server tool and reports progress on the tool
// channel. Failures come back as an error-prefixed result string: a broken
// tool is conversation content for the model, never a crashed turn.
func (w *World) executeToolCall(ctx context.Context, agent *Agent, call ToolCall, workingDir, chatID string) string {
	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "tool.execute",
			StringAttr("tool.name", call.Name),
			StringAttr("agent.id", agent.ID))
		defer span.End()
	}

	args := call.Args
	if workingDir != "" {
		args = injectWorkingDirectory(args, workingDir)
	}

	w.PublishToolEvent(chatID, ToolPayload{
		AgentID: agent.ID, ToolName: call.Name, ToolCallID: call.ID, Phase: ToolPhaseStart,
	})
	result, err := w.registry.Execute(ctx, call.Name, args)
	if err != nil {
		w.logger.Error("tool execution failed", "tool", call.Name, "agent_id", agent.ID, "error", err)
		w.errs.record("tool:"+call.Name, err)
		if span != nil {
			span.Error(err)
		}
		w.PublishToolEvent(chatID, ToolPayload{
			AgentID: agent.ID, ToolName: call.Name, ToolCallID: call.ID,
			Phase: ToolPhaseError, Result: err.Error(),
		})
		return "error: " + err.Error()
	}
	if result.Error != "" {
		w.logger.Warn("tool returned error", "tool", call.Name, "agent_id", agent.ID, "error", result.Error)
		w.PublishToolEvent(chatID, ToolPayload{
			AgentID: agent.ID, ToolName: call.Name, ToolCallID: call.ID,
			Phase: ToolPhaseError, Result: result.Error,
		})
		return "error: " + result.Error
	}
	w.PublishToolEvent(chatID, ToolPayload{
		AgentID: agent.ID, ToolName: call.Name, ToolCallID: call.ID,
		Phase: ToolPhaseResult, Result: result.Content,
	})
	return result.Content
}

// failTurn reports a provider failure: logged, recorded in the error log,
// and surfaced in the chat as a system-sender message no agent reacts to.
func (w *World) failTurn(ctx context.Context, agent *Agent, chatID string, err error) {
	_ = ctx
	w.logger.Error("provider call failed", "agent_id", agent.ID, "error", err)
	w.errs.record("provider:"+agent.ID, err)
	w.PublishMessage(
		fmt.Sprintf("Error from %s: %v", agent.ID, err),
		SenderSystem, chatID)
}

// publishAgentTurn broadcasts a persisted assistant turn on the message
// channel.
func (w *World) publishAgentTurn(agent *Agent, msg *AgentMessage) {
	w.bus.Publish(Event{
		Type:      EventMessage,
		Sender:    msg.Sender,
		AgentName: agent.Name,
		Content:   msg.Content,
		ChatID:    msg.ChatID,
		Message:   cloneMessagePtr(msg),
	})
}

// memoryInChat narrows memory to one chat bucket. Approval lookups use it
// so grants never leak across chats.
func memoryInChat(memory []AgentMessage, chatID string) []AgentMessage {
	var out []AgentMessage
	for i := range memory {
		if memory[i].ChatID == chatID {
			out = append(out, memory[i])
		}
	}
	return out
}

// isAgentPeer reports whether sender is another agent rather than a human,
// the world, or the system.
func isAgentPeer(sender string) bool {
	if sender == "" || IsHumanSender(sender) {
		return false
	}
	return sender != SenderWorld && sender != SenderSystem
}

// injectWorkingDirectory merges a working directory into JSON-object args.
// Anything that does not decode as an object passes through untouched.
func injectWorkingDirectory(args json.RawMessage, dir string) json.RawMessage {
	m := make(map[string]any)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &m); err != nil {
			return args
		}
	}
	if _, exists := m["workingDirectory"]; !exists {
		m["workingDirectory"] = dir
	}
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}
