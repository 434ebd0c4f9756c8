package orchestrator

import "time"

// EventType discriminates stream events fanned out to subscribers.
type EventType string

const (
	EventMessageReceived   EventType = "message_received"
	EventAssistantTyping   EventType = "assistant_typing"
	EventAssistantChunk    EventType = "assistant_chunk"
	EventToolResult        EventType = "tool_result"
	EventAssistantComplete EventType = "assistant_complete"
	EventError             EventType = "error"
)

// Event is one transport-only stream event. Events are never persisted;
// the assembled assistant message is what the store keeps. Seq is
// assigned per streaming turn and is strictly increasing and gap-free
// within that turn.
type Event struct {
	Type           EventType   `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id,omitempty"`
	Seq            int         `json:"seq,omitempty"`
	Content        string      `json:"content,omitempty"`
	Tool           string      `json:"tool,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

func newEvent(eventType EventType, conversationID string) Event {
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
	}
}
