package agentworld

import (
	"context"
	"strings"
)

// agentMessageHandler is the bus-side half of one agent: it filters the
// message channel and enqueues work on the runner. Decisions here must stay
// cheap since they run synchronously inside Publish. Activity begins at
// enqueue time, so by the time Publish returns the pending count already
// reflects every agent that accepted the message.
func (w *World) agentMessageHandler(r *agentRunner) EventHandler {
	return func(event Event) error {
		msg := event.Message
		if msg == nil {
			return nil
		}
		if msg.Role == RoleTool {
			env := decodeEnvelope(msg.Content)
			if env == nil || env.Decision == "" {
				return nil
			}
			if env.AgentID != "" && !strings.EqualFold(env.AgentID, r.agentID) {
				return nil
			}
			w.enqueue(r, agentJob{toolMsg: cloneMessagePtr(msg), env: env})
			return nil
		}

		probe := Agent{ID: r.agentID}
		if !ShouldAgentRespond(&probe, msg) {
			return nil
		}
		job := agentJob{
			trigger:  cloneMessagePtr(msg),
			complete: w.activity.begin("agent:" + r.agentID),
		}
		if !w.enqueue(r, job) {
			job.complete()
		}
		return nil
	}
}

// processJob dispatches one mailbox entry on the runner goroutine.
func (w *World) processJob(ctx context.Context, r *agentRunner, job agentJob) {
	switch {
	case job.fn != nil:
		job.fn(ctx)
	case job.trigger != nil:
		w.processTrigger(ctx, r, job)
	case job.toolMsg != nil:
		w.processToolResult(ctx, r, job)
	}
}

// processTrigger archives the triggering message and runs the agent's turn.
// Human and world-origin triggers reset the consecutive-call counter first.
// A turn that stops at an approval request parks its activity handle under
// the original tool_call_id instead of completing.
func (w *World) processTrigger(ctx context.Context, r *agentRunner, job agentJob) {
	trigger := job.trigger
	agent, err := w.store.GetAgent(ctx, w.info.ID, r.agentID)
	if err != nil {
		w.logger.Error("load agent failed", "agent_id", r.agentID, "error", err)
		if job.complete != nil {
			job.complete()
		}
		return
	}

	if IsHumanSender(trigger.Sender) || trigger.Sender == SenderWorld {
		w.mem.resetLLMCalls(ctx, &agent)
	}
	w.mem.archiveIncoming(ctx, &agent, trigger)

	pendingID := w.processAgentMessage(ctx, r, trigger, trigger.ChatID)
	if pendingID != "" {
		w.parkHandoff(pendingID, approvalHandoff{
			complete: job.complete,
			agentID:  r.agentID,
			chatID:   trigger.ChatID,
		})
		return
	}
	if job.complete != nil {
		job.complete()
	}
}

// processToolResult applies a human tool decision: verify the call belongs
// to this agent, record the decision, execute or decline, and resume the
// parked turn. The approval wait's activity handle is claimed here so the
// whole request/decision/execute/resume sequence counts as one operation.
func (w *World) processToolResult(ctx context.Context, r *agentRunner, job agentJob) {
	env := job.env
	chatID := job.toolMsg.ChatID

	agent, err := w.store.GetAgent(ctx, w.info.ID, r.agentID)
	if err != nil {
		w.logger.Error("load agent failed", "agent_id", r.agentID, "error", err)
		return
	}

	// Ownership: the call must appear in an assistant turn of THIS agent's
	// memory. A result addressed here for someone else's call is a hijack
	// attempt; an unaddressed one is normal broadcast fanout.
	turnIdx, ok := findToolCallTurn(agent.Memory, env.ToolCallID)
	if !ok {
		if env.AgentID != "" {
			w.logger.Warn("tool result rejected: no matching tool call in memory",
				"agent_id", r.agentID, "tool_call_id", env.ToolCallID)
		} else {
			w.logger.Debug("tool result not for this agent",
				"agent_id", r.agentID, "tool_call_id", env.ToolCallID)
		}
		return
	}
	turn := agent.Memory[turnIdx]
	if st, done := turn.ToolCallStatus[env.ToolCallID]; done && st.Complete {
		w.logger.Debug("tool call already complete, ignoring duplicate result",
			"agent_id", r.agentID, "tool_call_id", env.ToolCallID)
		return
	}
	if env.Decision != DecisionApprove && env.Decision != DecisionDeny {
		w.logger.Warn("tool result with unknown decision ignored",
			"agent_id", r.agentID, "decision", env.Decision)
		return
	}

	// The original call is authoritative for name and args; the envelope
	// only contributes the decision, scope, and working directory.
	var original ToolCall
	for _, tc := range turn.ToolCalls {
		if tc.ID == env.ToolCallID {
			original = tc
			break
		}
	}

	complete, claimed := w.claimHandoff(env.ToolCallID)
	if !claimed {
		complete = w.activity.begin("tool:" + original.Name)
	}

	// Archive the decision so session and once grants can be recovered from
	// memory alone. The record hides behind the approval prefix, keeping it
	// out of LLM context, and carries the authoritative tool name so later
	// lookups match.
	norm := *env
	norm.ToolName = original.Name
	if norm.Decision == DecisionApprove && norm.Scope == "" {
		norm.Scope = ScopeOnce
	}
	record := cloneMessage(*job.toolMsg)
	record.ToolCallID = ApprovalIDPrefix + env.ToolCallID
	record.Content = norm.Encode()
	w.mem.append(ctx, &agent, record)

	// Settle the request turn, when one exists.
	requestID := ApprovalIDPrefix + env.ToolCallID
	if _, hasRequest := findToolCallTurn(agent.Memory, requestID); hasRequest {
		if err := w.mem.updateToolCallStatus(ctx, &agent, requestID, ToolCallStatus{
			Complete: true,
			Result:   encodeOutcome(toolOutcome{Decision: norm.Decision, Scope: norm.Scope}),
		}); err != nil {
			w.logger.Error("approval status update failed", "agent_id", agent.ID, "error", err)
		}
	}

	var result string
	if norm.Decision == DecisionApprove {
		result = w.executeToolCall(ctx, &agent, ToolCall{
			ID:   env.ToolCallID,
			Name: original.Name,
			Args: original.Args,
		}, env.WorkingDirectory, chatID)
	} else {
		result = "Tool execution denied by user."
		w.logger.Info("tool execution denied",
			"agent_id", agent.ID, "tool", original.Name, "tool_call_id", env.ToolCallID)
	}

	w.mem.append(ctx, &agent, AgentMessage{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: env.ToolCallID,
		ChatID:     chatID,
	})
	if err := w.mem.updateToolCallStatus(ctx, &agent, env.ToolCallID, ToolCallStatus{
		Complete: true,
		Result:   encodeOutcome(toolOutcome{Decision: norm.Decision, Scope: norm.Scope, Content: result}),
	}); err != nil {
		w.logger.Error("tool status update failed", "agent_id", agent.ID, "error", err)
	}

	// Resume the turn so the model sees the outcome. A follow-up approval
	// request keeps the same activity handle parked.
	pendingID := w.processAgentMessage(ctx, r, nil, chatID)
	if pendingID != "" {
		w.parkHandoff(pendingID, approvalHandoff{
			complete: complete,
			agentID:  r.agentID,
			chatID:   chatID,
		})
		return
	}
	complete()
}

// attachTitleListener renames the current chat once the world settles. The
// generator itself refuses anything already renamed, so repeated idles and
// multi-agent turns still yield at most one title event per chat.
func (w *World) attachTitleListener() func() {
	return w.bus.Subscribe(EventWorld, func(event Event) error {
		if event.World == nil || event.World.Kind != WorldIdle {
			return nil
		}
		chatID := w.CurrentChatID()
		if chatID == "" {
			return nil
		}
		w.titles.maybeRename(w.runCtx, chatID)
		return nil
	})
}

// attachGuardListener scans user messages for prompt injection. Advisory
// only: hits are logged, processing is never blocked.
func (w *World) attachGuardListener() func() {
	return w.bus.Subscribe(EventMessage, func(event Event) error {
		msg := event.Message
		if msg == nil || msg.Role != RoleUser {
			return nil
		}
		w.guard.Scan(msg.Content)
		return nil
	})
}
