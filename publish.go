package agentworld

import (
	"encoding/json"
	"fmt"
)

// ToolResultInput is a human tool decision delivered back into the world,
// normally in reply to a client.requestApproval turn.
type ToolResultInput struct {
	ToolCallID       string
	Decision         string // approve or deny
	Scope            string // once or session
	ToolName         string
	ToolArgs         json.RawMessage
	WorkingDirectory string
	AgentID          string
	ChatID           string
}

// MessageOption customises one published message.
type MessageOption func(*AgentMessage)

// WithMessageID supplies the message id instead of generating one.
// Republishing under an existing id updates the persisted event in place.
func WithMessageID(id string) MessageOption {
	return func(m *AgentMessage) { m.MessageID = id }
}

// WithReplyTo threads the message under an earlier one.
func WithReplyTo(messageID string) MessageOption {
	return func(m *AgentMessage) { m.ReplyToMessageID = messageID }
}

// PublishMessage classifies content, stamps identity and chat context, and
// broadcasts it on the message channel. Role follows from the content and
// sender: a tool-result envelope is role tool, a human sender is role user,
// anything else is role assistant. An empty chatID means the world's
// current chat.
//
// A message that would reply to itself is rejected before anything is
// emitted. The returned message is the exact value subscribers saw.
func (w *World) PublishMessage(content, sender, chatID string, opts ...MessageOption) (*AgentMessage, error) {
	if chatID == "" {
		chatID = w.CurrentChatID()
	}
	role, env := ParseMessageContent(content, sender)
	msg := &AgentMessage{
		Role:      role,
		Content:   content,
		ChatID:    chatID,
		Sender:    sender,
		CreatedAt: NowUnix(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	if msg.MessageID == "" {
		msg.MessageID = NewID()
	}
	if msg.ReplyToMessageID != "" && msg.ReplyToMessageID == msg.MessageID {
		return nil, fmt.Errorf("replyToMessageId %q equals messageId", msg.ReplyToMessageID)
	}
	if env != nil {
		msg.ToolCallID = env.ToolCallID
	}
	w.bus.Publish(Event{
		Type:    EventMessage,
		Sender:  sender,
		Content: content,
		ChatID:  chatID,
		Message: msg,
	})
	return msg, nil
}

// PublishToolResult wraps a decision in a tool-result envelope and publishes
// it as the human sender. This is the only producer of role "tool" messages
// in the system; agents treat any other shape claiming to be one as noise.
func (w *World) PublishToolResult(in ToolResultInput) (*AgentMessage, error) {
	env := &MessageEnvelope{
		Type:             envelopeToolResult,
		Role:             RoleTool,
		ToolCallID:       in.ToolCallID,
		AgentID:          in.AgentID,
		Decision:         in.Decision,
		Scope:            in.Scope,
		ToolName:         in.ToolName,
		ToolArgs:         in.ToolArgs,
		WorkingDirectory: in.WorkingDirectory,
	}
	return w.PublishMessage(env.Encode(), SenderHuman, in.ChatID)
}

// PublishSSE emits one streaming lifecycle event in chatID. An empty chatID
// means the world's current chat.
func (w *World) PublishSSE(chatID string, p SSEPayload) {
	if chatID == "" {
		chatID = w.CurrentChatID()
	}
	w.bus.Publish(Event{
		Type:      EventSSE,
		AgentName: p.AgentName,
		ChatID:    chatID,
		SSE:       &p,
	})
}

// PublishToolEvent reports tool execution progress on the tool channel.
func (w *World) PublishToolEvent(chatID string, p ToolPayload) {
	if chatID == "" {
		chatID = w.CurrentChatID()
	}
	w.bus.Publish(Event{
		Type:   EventTool,
		Sender: p.AgentID,
		ChatID: chatID,
		Tool:   &p,
	})
}

// PublishWorldEvent reports an activity transition on the world channel.
func (w *World) PublishWorldEvent(kind string, pending int, reason string) {
	w.bus.Publish(Event{
		Type:   EventWorld,
		Sender: SenderWorld,
		World:  &WorldPayload{Kind: kind, Pending: pending, Reason: reason},
	})
}

// PublishSystemEvent reports a system notice such as a chat title change.
func (w *World) PublishSystemEvent(kind, title, chatID string) {
	if chatID == "" {
		chatID = w.CurrentChatID()
	}
	w.bus.Publish(Event{
		Type:   EventSystem,
		Sender: SenderSystem,
		ChatID: chatID,
		System: &SystemPayload{Kind: kind, Title: title},
	})
}

// PublishCRUD reports an entity lifecycle operation on the crud channel.
func (w *World) PublishCRUD(op, entity, entityID string) {
	w.bus.Publish(Event{
		Type: EventCRUD,
		CRUD: &CRUDPayload{Op: op, Entity: entity, EntityID: entityID},
	})
}
