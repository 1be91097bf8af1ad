package agentworld

import (
	"encoding/json"
	"strings"
)

// envelopeToolResult tags the one enhanced content payload the runtime
// recognises.
const envelopeToolResult = "tool_result"

// MessageEnvelope is the enhanced payload a message's content may decode
// to. PublishToolResult is the only producer; ParseMessageContent is the
// only parser — its output shape is the vocabulary used downstream.
type MessageEnvelope struct {
	Type             string          `json:"__type"`
	Role             string          `json:"role,omitempty"`
	ToolCallID       string          `json:"tool_call_id"`
	AgentID          string          `json:"agentId,omitempty"`
	Content          string          `json:"content,omitempty"`
	Decision         string          `json:"decision,omitempty"` // "approve" | "deny"
	Scope            string          `json:"scope,omitempty"`    // "once" | "session"
	ToolName         string          `json:"toolName,omitempty"`
	ToolArgs         json.RawMessage `json:"toolArgs,omitempty"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
}

// Encode returns the envelope as a JSON string suitable for message
// content.
func (e *MessageEnvelope) Encode() string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseMessageContent classifies a message body. If content decodes as a
// tool_result envelope the role is RoleTool and the envelope is returned;
// otherwise the content is opaque and the role is inferred from sender
// (human pattern → user, else assistant).
func ParseMessageContent(content, sender string) (string, *MessageEnvelope) {
	if env := decodeEnvelope(content); env != nil {
		return RoleTool, env
	}
	if IsHumanSender(sender) {
		return RoleUser, nil
	}
	return RoleAssistant, nil
}

func decodeEnvelope(content string) *MessageEnvelope {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var env MessageEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil
	}
	if env.Type != envelopeToolResult {
		return nil
	}
	return &env
}

// IsHumanSender reports whether sender matches the human-sender pattern:
// "HUMAN", "human", or any name beginning with "user".
func IsHumanSender(sender string) bool {
	if strings.EqualFold(sender, SenderHuman) {
		return true
	}
	return strings.HasPrefix(strings.ToLower(sender), "user")
}
