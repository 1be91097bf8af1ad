package agentworld

import (
	"context"
	"strings"
)

// prepareMessages builds the sequence handed to the provider for one agent
// turn. The agent is loaded fresh from storage so a concurrently edited
// system prompt is always honoured.
//
// Storage keeps everything; the prepared sequence keeps only what the LLM
// should think about.
func prepareMessages(ctx context.Context, store Store, worldID, agentID, chatID string) ([]ChatMessage, *Agent, error) {
	agent, err := store.GetAgent(ctx, worldID, agentID)
	if err != nil {
		return nil, nil, err
	}

	distilled := distillMemory(&agent, chatID)
	out := make([]ChatMessage, 0, len(distilled)+1)
	if agent.SystemPrompt != "" {
		out = append(out, SystemMessage(agent.SystemPrompt))
	}
	for _, msg := range distilled {
		out = append(out, ChatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		})
	}
	return out, &agent, nil
}

// distillMemory reduces the agent's memory to the turns the LLM should see:
// only the active chat (a missing chatId is its own bucket), only this
// agent's perspective, only the historical user messages the agent would
// have answered, and none of the client-facing approval artifacts.
func distillMemory(agent *Agent, chatID string) []AgentMessage {
	var out []AgentMessage
	for _, msg := range agent.Memory {
		if msg.ChatID != chatID {
			continue
		}
		if msg.AgentID != agent.ID {
			continue
		}
		if msg.Role == RoleUser && !WouldAgentHaveRespondedToHistoricalMessage(agent, &msg) {
			continue
		}
		msg, keep := stripClientArtifacts(msg)
		if !keep {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// stripClientArtifacts removes client.* tool_calls from assistant turns and
// drops tool results addressed to the approval pseudo-tool. An assistant
// turn left with no content and no tool_calls is dropped entirely.
func stripClientArtifacts(msg AgentMessage) (AgentMessage, bool) {
	switch msg.Role {
	case RoleTool:
		if strings.HasPrefix(msg.ToolCallID, ApprovalIDPrefix) {
			return msg, false
		}
	case RoleAssistant:
		if len(msg.ToolCalls) > 0 {
			var kept []ToolCall
			for _, tc := range msg.ToolCalls {
				if strings.HasPrefix(tc.Name, ClientToolPrefix) {
					continue
				}
				kept = append(kept, tc)
			}
			msg.ToolCalls = kept
		}
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			return msg, false
		}
	}
	return msg, true
}
