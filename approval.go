package agentworld

import (
	"encoding/json"
	"strings"
)

// defaultApprovalKeywords flag tools whose name or description suggests a
// side effect on the host.
var defaultApprovalKeywords = []string{"execute", "command", "delete", "remove", "write", "shell"}

// defaultRedactKeys are substrings of argument keys whose values never reach
// logs or event payloads.
var defaultRedactKeys = []string{"key", "password", "token", "secret", "auth"}

// ApprovalChecker decides which tool calls need a human decision and looks up
// prior decisions in agent memory. It holds no state of its own: approvals
// live in memory as tool-result envelopes, so they survive restarts and are
// replayed for free.
type ApprovalChecker struct {
	Keywords   []string
	RedactKeys []string
}

func NewApprovalChecker() *ApprovalChecker {
	return &ApprovalChecker{
		Keywords:   defaultApprovalKeywords,
		RedactKeys: defaultRedactKeys,
	}
}

// NeedsApproval reports whether a tool matching name/description must be
// approved before it runs. Matching is case-insensitive substring search.
func (c *ApprovalChecker) NeedsApproval(name, description string) bool {
	n := strings.ToLower(name)
	d := strings.ToLower(description)
	for _, kw := range c.Keywords {
		if strings.Contains(n, kw) || strings.Contains(d, kw) {
			return true
		}
	}
	return false
}

// FindSessionApproval returns the most recent session-scoped approval for
// toolName recorded in memory, or nil. A session approval covers every later
// call of the same tool.
func (c *ApprovalChecker) FindSessionApproval(memory []AgentMessage, toolName string) *MessageEnvelope {
	for i := len(memory) - 1; i >= 0; i-- {
		env := approvalEnvelope(&memory[i], toolName)
		if env != nil && env.Decision == DecisionApprove && env.Scope == ScopeSession {
			return env
		}
	}
	return nil
}

// FindOnceApproval returns the most recent unconsumed once-scoped approval
// for toolName, or nil. An approval is consumed when the assistant turn
// holding the approved call has its toolCallStatus entry marked complete,
// so a single approve_once never authorizes two runs.
func (c *ApprovalChecker) FindOnceApproval(memory []AgentMessage, toolName string) *MessageEnvelope {
	for i := len(memory) - 1; i >= 0; i-- {
		env := approvalEnvelope(&memory[i], toolName)
		if env == nil || env.Decision != DecisionApprove || env.Scope != ScopeOnce {
			continue
		}
		if !onceConsumed(memory, env.ToolCallID) {
			return env
		}
	}
	return nil
}

func approvalEnvelope(msg *AgentMessage, toolName string) *MessageEnvelope {
	if msg.Role != RoleTool {
		return nil
	}
	env := decodeEnvelope(msg.Content)
	if env == nil || env.ToolName != toolName {
		return nil
	}
	return env
}

func onceConsumed(memory []AgentMessage, toolCallID string) bool {
	if toolCallID == "" {
		return false
	}
	for i := range memory {
		if memory[i].Role != RoleAssistant || memory[i].ToolCallStatus == nil {
			continue
		}
		if st, ok := memory[i].ToolCallStatus[toolCallID]; ok && st.Complete {
			return true
		}
	}
	return false
}

// RedactArgs returns a copy of args with every value whose key contains a
// sensitive substring replaced by "[REDACTED]". Nested objects and arrays
// are walked too.
func (c *ApprovalChecker) RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if c.sensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = c.redactValue(v)
	}
	return out
}

// RedactRawArgs is RedactArgs over an encoded JSON object. Input that does
// not decode as an object is returned unchanged.
func (c *ApprovalChecker) RedactRawArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return raw
	}
	out, err := json.Marshal(c.RedactArgs(args))
	if err != nil {
		return raw
	}
	return out
}

func (c *ApprovalChecker) redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return c.RedactArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = c.redactValue(e)
		}
		return out
	default:
		return v
	}
}

func (c *ApprovalChecker) sensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, sub := range c.RedactKeys {
		if strings.Contains(lk, sub) {
			return true
		}
	}
	return false
}
