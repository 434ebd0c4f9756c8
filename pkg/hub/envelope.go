package hub

import (
	"encoding/json"
	"time"
)

// Client → server envelope types.
const (
	TypeAuthenticate = "authenticate"
	TypeMessage      = "message"
	TypeToolExecute  = "tool_execute"
	TypeTyping       = "typing"
	TypePing         = "ping"
)

// Server → client envelope types.
const (
	TypeWelcome       = "welcome"
	TypeAuthenticated = "authenticated"
	TypeToolResult    = "tool_result"
	TypeError         = "error"
	TypePong          = "pong"
	TypeShutdown      = "shutdown"
)

// ClientEnvelope is the inbound WebSocket message. Type discriminates
// which of the optional fields are meaningful.
type ClientEnvelope struct {
	Type string `json:"type"`

	// authenticate
	Token string `json:"token,omitempty"`

	// message / typing
	ConversationID string          `json:"conversationId,omitempty"`
	Content        string          `json:"content,omitempty"`
	Artifacts      json.RawMessage `json:"artifacts,omitempty"`

	// tool_execute
	Tool      string                 `json:"tool,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Confirmed bool                   `json:"confirmed,omitempty"`
}

// ServerEnvelope is the outbound WebSocket message.
type ServerEnvelope struct {
	Type           string      `json:"type"`
	ID             string      `json:"id,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	MessageID      string      `json:"messageId,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Tool           string      `json:"tool,omitempty"`
	ExecutionID    string      `json:"executionId,omitempty"`
	Status         string      `json:"status,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	Timestamp      int64       `json:"timestamp,omitempty"`
}

func newServerEnvelope(envelopeType string) ServerEnvelope {
	return ServerEnvelope{Type: envelopeType, Timestamp: time.Now().UnixMilli()}
}
