// Package document provides the read_doc capability: extracting readable
// text from workspace files in common document formats.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	agentworld "github.com/yysun/agent-world-sub010"
	"github.com/yysun/agent-world-sub010/extract"
)

// maxDocSize caps the file size read_doc will open (20 MB).
const maxDocSize = 20 << 20

// Tool reads documents from a sandboxed workspace and converts them to text.
type Tool struct {
	workspacePath string
}

// New creates the document tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []agentworld.ToolDefinition {
	return []agentworld.ToolDefinition{{
		Name:        "read_doc",
		Description: "Read a document from the workspace and return its text content. Supports plain text, Markdown, HTML, CSV, JSON, DOCX, and PDF files.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (agentworld.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentworld.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return agentworld.ToolResult{Error: err.Error()}, nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return agentworld.ToolResult{Error: "stat error: " + err.Error()}, nil
	}
	if info.Size() > maxDocSize {
		return agentworld.ToolResult{Error: fmt.Sprintf("file too large: %d bytes (limit %d)", info.Size(), maxDocSize)}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return agentworld.ToolResult{Error: "read error: " + err.Error()}, nil
	}

	ext := strings.TrimPrefix(filepath.Ext(resolved), ".")
	ct := extract.ContentTypeFromExtension(ext)
	text, err := extract.For(ct).Extract(data)
	if err != nil {
		return agentworld.ToolResult{Error: fmt.Sprintf("extract %s: %s", ct, err)}, nil
	}

	if len(text) > 8000 {
		text = text[:8000] + "\n... (truncated)"
	}
	return agentworld.ToolResult{Content: text}, nil
}

func (t *Tool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	// Double-check it's still within workspace
	if !strings.HasPrefix(resolved, t.workspacePath) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}
