package agentworld

import "strings"

// TurnLimitMarker is the literal content marker of a turn-limit notice.
// Agents never respond to messages containing it, which breaks
// agent-to-agent loops.
const TurnLimitMarker = "Turn limit reached"

// ShouldAgentRespond decides whether agent reacts to an incoming message.
// Pure function of (agent, message):
//
//   - never respond to itself, to system notices, or to turn-limit markers
//   - always respond to world-origin messages
//   - human messages with no mentions anywhere are public broadcasts
//   - human messages whose only mentions sit mid-text are commentary, not
//     addressed to anyone
//   - otherwise the agent must be mentioned at a paragraph beginning
func ShouldAgentRespond(agent *Agent, msg *AgentMessage) bool {
	if agent == nil || msg == nil {
		return false
	}
	if strings.EqualFold(msg.Sender, agent.ID) {
		return false
	}
	if strings.Contains(msg.Content, TurnLimitMarker) {
		return false
	}
	if msg.Sender == SenderSystem {
		return false
	}
	if msg.Sender == SenderWorld {
		return true
	}

	para := ExtractParagraphBeginningMentions(msg.Content)
	if IsHumanSender(msg.Sender) {
		all := ExtractMentions(msg.Content)
		if len(para) == 0 && len(all) == 0 {
			return true // public broadcast
		}
		if len(para) == 0 {
			return false // mid-text mention is commentary
		}
		return containsFold(para, agent.ID)
	}
	return containsFold(para, agent.ID)
}

// WouldAgentHaveRespondedToHistoricalMessage is the respond decision applied
// retroactively during message preparation: history the agent overheard but
// never addressed is filtered out of LLM context.
func WouldAgentHaveRespondedToHistoricalMessage(agent *Agent, msg *AgentMessage) bool {
	return ShouldAgentRespond(agent, msg)
}

func containsFold(names []string, target string) bool {
	for _, n := range names {
		if strings.EqualFold(n, target) {
			return true
		}
	}
	return false
}
