package agentworld

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Capability locations. Server capabilities execute inside the world;
// client capabilities are carried out by the connected UI and are never
// advertised to the LLM.
const (
	ToolLocationServer = "server"
	ToolLocationClient = "client"
)

// Capability is one registered tool function plus its execution policy.
type Capability struct {
	Definition       ToolDefinition
	Location         string
	RequiresApproval bool

	tool Tool // nil for client capabilities
}

// ToolRegistry resolves tool names to capabilities and dispatches execution.
type ToolRegistry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewToolRegistry creates a registry pre-seeded with the approval
// pseudo-tool, which is client-located so it never reaches an LLM schema.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{caps: make(map[string]Capability)}
	r.put(Capability{
		Definition: ToolDefinition{
			Name:        ClientApprovalTool,
			Description: "Ask the user to approve or deny a pending tool call.",
		},
		Location: ToolLocationClient,
	})
	return r
}

// Add registers every function of a server-side tool. Approval is required
// for functions whose name or description matches the checker's risk
// keywords; a nil checker registers everything as approval-free.
func (r *ToolRegistry) Add(t Tool, checker *ApprovalChecker) {
	for _, def := range t.Definitions() {
		r.put(Capability{
			Definition:       def,
			Location:         ToolLocationServer,
			RequiresApproval: checker != nil && checker.NeedsApproval(def.Name, def.Description),
			tool:             t,
		})
	}
}

// AddClient registers a capability the connected UI executes.
func (r *ToolRegistry) AddClient(def ToolDefinition) {
	r.put(Capability{Definition: def, Location: ToolLocationClient})
}

func (r *ToolRegistry) put(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Definition.Name] = c
}

// Get returns the capability registered under name.
func (r *ToolRegistry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Definitions returns the LLM-facing tool schemas: server capabilities
// only, sorted by name for stable provider requests.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ToolDefinition
	for _, c := range r.caps {
		if c.Location != ToolLocationServer {
			continue
		}
		defs = append(defs, c.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches a server tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	c, ok := r.Get(name)
	if !ok || c.tool == nil {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return c.tool.Execute(ctx, name, args)
}
