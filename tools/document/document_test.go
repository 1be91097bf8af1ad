package document

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readDoc(t *testing.T, tool *Tool, path string) (string, string) {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"path": path})
	result, err := tool.Execute(context.Background(), "read_doc", args)
	if err != nil {
		t.Fatal(err)
	}
	return result.Content, result.Error
}

func TestReadDocPlainText(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("plain content"), 0644)
	tool := New(dir)
	content, errMsg := readDoc(t, tool, "notes.txt")
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if content != "plain content" {
		t.Errorf("wrong content: %q", content)
	}
}

func TestReadDocMarkdown(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# Title\n\nSome **bold** text"), 0644)
	tool := New(dir)
	content, errMsg := readDoc(t, tool, "readme.md")
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if strings.Contains(content, "#") || strings.Contains(content, "**") {
		t.Errorf("markdown not stripped: %q", content)
	}
	if !strings.Contains(content, "Title") || !strings.Contains(content, "bold") {
		t.Errorf("content lost: %q", content)
	}
}

func TestReadDocCSV(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "data.csv"), []byte("Name,Age\nJohn,30\n"), 0644)
	tool := New(dir)
	content, errMsg := readDoc(t, tool, "data.csv")
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if !strings.Contains(content, "Name: John") {
		t.Errorf("expected labeled field, got %q", content)
	}
}

func TestReadDocJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"env": "prod"}`), 0644)
	tool := New(dir)
	content, errMsg := readDoc(t, tool, "config.json")
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if !strings.Contains(content, "env: prod") {
		t.Errorf("expected key-value line, got %q", content)
	}
}

func TestReadDocInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0644)
	tool := New(dir)
	_, errMsg := readDoc(t, tool, "broken.json")
	if errMsg == "" {
		t.Error("expected extract error for invalid JSON")
	}
}

func TestReadDocPathTraversal(t *testing.T) {
	tool := New(t.TempDir())
	_, errMsg := readDoc(t, tool, "../etc/passwd")
	if errMsg == "" {
		t.Error("expected path traversal error")
	}
}

func TestReadDocAbsolutePath(t *testing.T) {
	tool := New(t.TempDir())
	_, errMsg := readDoc(t, tool, "/etc/passwd")
	if errMsg == "" {
		t.Error("expected absolute path error")
	}
}

func TestReadDocNonexistent(t *testing.T) {
	tool := New(t.TempDir())
	_, errMsg := readDoc(t, tool, "missing.txt")
	if errMsg == "" {
		t.Error("expected error for nonexistent file")
	}
}

func TestReadDocTruncation(t *testing.T) {
	dir := t.TempDir()
	bigContent := make([]byte, 10000)
	for i := range bigContent {
		bigContent[i] = 'A'
	}
	os.WriteFile(filepath.Join(dir, "big.txt"), bigContent, 0644)
	tool := New(dir)
	content, errMsg := readDoc(t, tool, "big.txt")
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if len(content) > 8100 {
		t.Errorf("content not truncated: %d chars", len(content))
	}
}
