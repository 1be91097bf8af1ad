package agentworld

import "encoding/json"

// --- Roles and senders ---

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

const (
	// SenderHuman is the canonical display origin for human messages.
	SenderHuman  = "HUMAN"
	SenderWorld  = "world"
	SenderSystem = "system"
)

// --- Event channels ---

const (
	EventMessage = "message"
	EventSSE     = "sse"
	EventTool    = "tool"
	EventWorld   = "world"
	EventSystem  = "system"
	EventCRUD    = "crud"
)

// --- Domain types (storage records) ---

// WorldInfo is the persisted identity of a world. The runtime World type
// (world.go) wraps it with the bus, agents, and listener handles.
type WorldInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CurrentChatID string `json:"currentChatId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// Agent is an LLM-backed participant. Memory is its ordered message
// sequence; LLMCallCount tracks consecutive calls since the last human or
// world-origin trigger and is compared against TurnLimit.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"systemPrompt"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Temperature  float64        `json:"temperature,omitempty"`
	TurnLimit    int            `json:"turnLimit"`
	LLMCallCount int            `json:"llmCallCount"`
	Memory       []AgentMessage `json:"memory"`
}

// Chat is a logical conversation grouping. New chats are named NewChatName
// until the title generator renames them.
type Chat struct {
	ID        string `json:"id"`
	WorldID   string `json:"worldId"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// NewChatName is the initial display name of a chat; the title generator
// only fires while the name still equals it.
const NewChatName = "New Chat"

// AgentMessage is one conversational item in an agent's memory and the
// payload of message events. AgentID records whose memory holds the entry
// (the recipient's perspective); Sender records the display origin.
type AgentMessage struct {
	Role             string                    `json:"role"`
	Content          string                    `json:"content"`
	MessageID        string                    `json:"messageId"`
	ReplyToMessageID string                    `json:"replyToMessageId,omitempty"`
	ChatID           string                    `json:"chatId,omitempty"`
	AgentID          string                    `json:"agentId,omitempty"`
	Sender           string                    `json:"sender,omitempty"`
	ToolCalls        []ToolCall                `json:"tool_calls,omitempty"`
	ToolCallID       string                    `json:"tool_call_id,omitempty"`
	ToolCallStatus   map[string]ToolCallStatus `json:"toolCallStatus,omitempty"`
	CreatedAt        int64                     `json:"createdAt,omitempty"`
}

// ToolCallStatus is the only permitted in-place mutation of a persisted
// assistant turn: it marks a tool call complete and records its result.
type ToolCallStatus struct {
	Complete bool            `json:"complete"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// --- Events ---

// Event is the tagged union carried on the bus and persisted to storage.
// Exactly one payload pointer is set, selected by Type; handlers must not
// mutate events.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	Content   string `json:"content,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	Timestamp int64  `json:"timestamp"`

	Message *AgentMessage  `json:"message,omitempty"`
	SSE     *SSEPayload    `json:"sse,omitempty"`
	Tool    *ToolPayload   `json:"tool,omitempty"`
	World   *WorldPayload  `json:"world,omitempty"`
	System  *SystemPayload `json:"system,omitempty"`
	CRUD    *CRUDPayload   `json:"crud,omitempty"`
}

// SSE lifecycle kinds.
const (
	SSEStart = "start"
	SSEChunk = "chunk"
	SSEEnd   = "end"
)

// SSEPayload is one slice of a streamed response. Chunk events are emitted
// but never persisted; start/end events persist under composite ids derived
// from MessageID.
type SSEPayload struct {
	AgentName string `json:"agentName"`
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	Content   string `json:"content,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// Tool execution phases.
const (
	ToolPhaseStart  = "start"
	ToolPhaseResult = "result"
	ToolPhaseError  = "error"
)

// ToolPayload reports tool execution progress on the tool channel.
type ToolPayload struct {
	AgentID    string `json:"agentId,omitempty"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Phase      string `json:"phase"`
	Result     string `json:"result,omitempty"`
}

// World activity kinds.
const (
	WorldResponseStart = "response-start"
	WorldResponseEnd   = "response-end"
	WorldIdle          = "idle"
)

// WorldPayload reports activity transitions; Pending is the operation count
// after the transition.
type WorldPayload struct {
	Kind    string `json:"kind"`
	Pending int    `json:"pending"`
	Reason  string `json:"reason,omitempty"`
}

// SystemPayload carries system notices such as chat-title-updated.
type SystemPayload struct {
	Kind  string `json:"kind"`
	Title string `json:"title,omitempty"`
}

// SystemChatTitleUpdated is emitted at most once per conversation turn.
const SystemChatTitleUpdated = "chat-title-updated"

// CRUDPayload reports entity lifecycle operations.
type CRUDPayload struct {
	Op       string `json:"op"` // "create", "update", "delete"
	Entity   string `json:"entity"`
	EntityID string `json:"entityId"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}

// --- Approval decisions ---

const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"

	ScopeOnce    = "once"
	ScopeSession = "session"
)

// ClientToolPrefix marks pseudo-tools handled by the client UI, never
// advertised to the LLM.
const ClientToolPrefix = "client."

// ClientApprovalTool is the pseudo-tool the orchestrator emits to request a
// tool-execution decision from the client.
const ClientApprovalTool = "client.requestApproval"

// ApprovalIDPrefix prefixes the synthetic tool_call_id of approval requests
// so preparation can strip their tool-role echoes from LLM context.
const ApprovalIDPrefix = "approval_"

// ApprovalOptions is the fixed decision set offered with every approval
// request.
var ApprovalOptions = []string{"deny", "approve_once", "approve_session"}
