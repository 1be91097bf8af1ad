package agentworld

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeShellTool struct{}

func (fakeShellTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "shell_cmd", Description: "Execute a shell command"}}
}

func (fakeShellTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "ran " + name}, nil
}

type fakeReadTool struct{}

func (fakeReadTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "read_doc", Description: "Read a document"}}
}

func (fakeReadTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "read " + name}, nil
}

func TestToolRegistryAddAndExecute(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(fakeShellTool{}, NewApprovalChecker())
	reg.Add(fakeReadTool{}, NewApprovalChecker())

	c, ok := reg.Get("shell_cmd")
	if !ok {
		t.Fatal("shell_cmd not registered")
	}
	if c.Location != ToolLocationServer {
		t.Errorf("Location = %q, want server", c.Location)
	}
	if !c.RequiresApproval {
		t.Error("shell_cmd should require approval (name and description match risk keywords)")
	}

	c, ok = reg.Get("read_doc")
	if !ok {
		t.Fatal("read_doc not registered")
	}
	if c.RequiresApproval {
		t.Error("read_doc should not require approval")
	}

	res, err := reg.Execute(context.Background(), "shell_cmd", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "ran shell_cmd" {
		t.Errorf("Content = %q, want %q", res.Content, "ran shell_cmd")
	}

	res, _ = reg.Execute(context.Background(), "nonexistent", nil)
	if res.Error == "" {
		t.Error("expected error for unknown tool")
	}
}

func TestToolRegistryDefinitionsExcludeClient(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(fakeReadTool{}, nil)
	reg.Add(fakeShellTool{}, nil)
	reg.AddClient(ToolDefinition{Name: "client.openFile", Description: "Open a file in the UI"})

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("Definitions() = %d entries, want 2 server tools: %v", len(defs), defs)
	}
	// Sorted by name.
	if defs[0].Name != "read_doc" || defs[1].Name != "shell_cmd" {
		t.Errorf("Definitions() order = %s, %s, want read_doc, shell_cmd", defs[0].Name, defs[1].Name)
	}
	for _, d := range defs {
		if d.Name == ClientApprovalTool || d.Name == "client.openFile" {
			t.Errorf("client capability %s leaked into LLM schemas", d.Name)
		}
	}
}

func TestToolRegistrySeedsApprovalPseudoTool(t *testing.T) {
	reg := NewToolRegistry()
	c, ok := reg.Get(ClientApprovalTool)
	if !ok {
		t.Fatalf("%s not pre-registered", ClientApprovalTool)
	}
	if c.Location != ToolLocationClient {
		t.Errorf("Location = %q, want client", c.Location)
	}

	// Client capabilities are never executable here.
	res, err := reg.Execute(context.Background(), ClientApprovalTool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Error("executing a client capability should report an error result")
	}
}
