package agentworld

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNeedsApproval(t *testing.T) {
	c := NewApprovalChecker()

	tests := []struct {
		name        string
		description string
		want        bool
	}{
		{"shell_exec", "Run a shell command", true},
		{"run_command", "", true},
		{"file_write", "", true},
		{"delete_rows", "", true},
		{"cleanup", "Remove stale entries", true},
		{"Execute", "", true},
		{"calculator", "Add two numbers", false},
		{"web_fetch", "Fetch a page and extract text", false},
		{"read_doc", "Extract text from a document", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.NeedsApproval(tt.name, tt.description); got != tt.want {
				t.Errorf("NeedsApproval(%q, %q) = %v, want %v", tt.name, tt.description, got, tt.want)
			}
		})
	}
}

func approvalEntry(toolName, toolCallID, decision, scope string) AgentMessage {
	env := &MessageEnvelope{
		Type:       envelopeToolResult,
		ToolCallID: toolCallID,
		Decision:   decision,
		Scope:      scope,
		ToolName:   toolName,
	}
	return AgentMessage{
		Role:       RoleTool,
		Content:    env.Encode(),
		ToolCallID: toolCallID,
		MessageID:  NewID(),
		Sender:     SenderHuman,
	}
}

func TestFindSessionApproval(t *testing.T) {
	c := NewApprovalChecker()

	memory := []AgentMessage{
		approvalEntry("shell_exec", "tc-1", DecisionApprove, ScopeOnce),
		approvalEntry("file_write", "tc-2", DecisionApprove, ScopeSession),
		approvalEntry("shell_exec", "tc-3", DecisionDeny, ScopeSession),
	}

	if env := c.FindSessionApproval(memory, "file_write"); env == nil || env.ToolCallID != "tc-2" {
		t.Errorf("FindSessionApproval(file_write) = %+v, want tc-2", env)
	}
	if env := c.FindSessionApproval(memory, "shell_exec"); env != nil {
		t.Errorf("FindSessionApproval(shell_exec) = %+v, want nil: once and deny entries do not count", env)
	}
	if env := c.FindSessionApproval(nil, "file_write"); env != nil {
		t.Errorf("FindSessionApproval(empty) = %+v, want nil", env)
	}
}

func TestFindOnceApproval(t *testing.T) {
	c := NewApprovalChecker()

	t.Run("unconsumed", func(t *testing.T) {
		memory := []AgentMessage{
			approvalEntry("shell_exec", "tc-1", DecisionApprove, ScopeOnce),
		}
		if env := c.FindOnceApproval(memory, "shell_exec"); env == nil || env.ToolCallID != "tc-1" {
			t.Errorf("FindOnceApproval = %+v, want tc-1", env)
		}
	})

	t.Run("consumed by completed call", func(t *testing.T) {
		memory := []AgentMessage{
			{
				Role:      RoleAssistant,
				MessageID: NewID(),
				ToolCalls: []ToolCall{{ID: "tc-1", Name: "shell_exec"}},
				ToolCallStatus: map[string]ToolCallStatus{
					"tc-1": {Complete: true},
				},
			},
			approvalEntry("shell_exec", "tc-1", DecisionApprove, ScopeOnce),
		}
		if env := c.FindOnceApproval(memory, "shell_exec"); env != nil {
			t.Errorf("FindOnceApproval = %+v, want nil after consumption", env)
		}
	})

	t.Run("pending call does not consume", func(t *testing.T) {
		memory := []AgentMessage{
			{
				Role:      RoleAssistant,
				MessageID: NewID(),
				ToolCalls: []ToolCall{{ID: "tc-1", Name: "shell_exec"}},
				ToolCallStatus: map[string]ToolCallStatus{
					"tc-1": {Complete: false},
				},
			},
			approvalEntry("shell_exec", "tc-1", DecisionApprove, ScopeOnce),
		}
		if env := c.FindOnceApproval(memory, "shell_exec"); env == nil {
			t.Error("FindOnceApproval = nil, want tc-1: incomplete status leaves the approval live")
		}
	})

	t.Run("fresh approval after consumption", func(t *testing.T) {
		memory := []AgentMessage{
			{
				Role:      RoleAssistant,
				MessageID: NewID(),
				ToolCallStatus: map[string]ToolCallStatus{
					"tc-1": {Complete: true},
				},
			},
			approvalEntry("shell_exec", "tc-1", DecisionApprove, ScopeOnce),
			approvalEntry("shell_exec", "tc-2", DecisionApprove, ScopeOnce),
		}
		if env := c.FindOnceApproval(memory, "shell_exec"); env == nil || env.ToolCallID != "tc-2" {
			t.Errorf("FindOnceApproval = %+v, want tc-2", env)
		}
	})

	t.Run("denial is not an approval", func(t *testing.T) {
		memory := []AgentMessage{
			approvalEntry("shell_exec", "tc-1", DecisionDeny, ScopeOnce),
		}
		if env := c.FindOnceApproval(memory, "shell_exec"); env != nil {
			t.Errorf("FindOnceApproval = %+v, want nil for a denial", env)
		}
	})
}

func TestRedactArgs(t *testing.T) {
	c := NewApprovalChecker()

	args := map[string]any{
		"path":    "/tmp/out.txt",
		"api_key": "sk-123",
		"Token":   "t-456",
		"nested": map[string]any{
			"password": "hunter2",
			"name":     "alice",
		},
		"items": []any{
			map[string]any{"auth_header": "Bearer x"},
			"plain",
		},
	}
	got := c.RedactArgs(args)

	if got["path"] != "/tmp/out.txt" {
		t.Errorf("path = %v, want unchanged", got["path"])
	}
	if got["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want [REDACTED]", got["api_key"])
	}
	if got["Token"] != "[REDACTED]" {
		t.Errorf("Token = %v, want [REDACTED]", got["Token"])
	}
	nested := got["nested"].(map[string]any)
	if nested["password"] != "[REDACTED]" || nested["name"] != "alice" {
		t.Errorf("nested = %v, want password redacted and name kept", nested)
	}
	items := got["items"].([]any)
	inner := items[0].(map[string]any)
	if inner["auth_header"] != "[REDACTED]" {
		t.Errorf("auth_header = %v, want [REDACTED]", inner["auth_header"])
	}
	if items[1] != "plain" {
		t.Errorf("items[1] = %v, want plain", items[1])
	}

	// input untouched
	if args["api_key"] != "sk-123" {
		t.Error("RedactArgs mutated its input")
	}
}

func TestRedactRawArgs(t *testing.T) {
	c := NewApprovalChecker()

	raw := json.RawMessage(`{"command":"ls","api_key":"sk-123"}`)
	got := c.RedactRawArgs(raw)
	if !strings.Contains(string(got), `"[REDACTED]"`) {
		t.Errorf("RedactRawArgs = %s, want api_key redacted", got)
	}
	if !strings.Contains(string(got), `"ls"`) {
		t.Errorf("RedactRawArgs = %s, want command kept", got)
	}

	bad := json.RawMessage(`not json`)
	if out := c.RedactRawArgs(bad); string(out) != "not json" {
		t.Errorf("RedactRawArgs(non-object) = %s, want input unchanged", out)
	}
}
