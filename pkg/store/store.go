// Package store persists conversations, messages, and tool executions.
package store

import (
	"context"
	"errors"
	"time"
)

// ExecutionStatus tracks the lifecycle of a tool execution.
type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether a status may advance from one value to
// another. Status only moves forward; terminal states never change.
func CanTransition(from, to ExecutionStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Conversation is an ordered exchange between a user and the assistant.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single persisted conversation entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user, assistant
	Content        string    `json:"content"`
	Incomplete     bool      `json:"incomplete,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Execution records one tool invocation and its outcome.
type Execution struct {
	ID             string                 `json:"id"`
	ToolName       string                 `json:"tool_name"`
	UserID         string                 `json:"user_id"`
	TenantID       string                 `json:"tenant_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Params         map[string]interface{} `json:"params"`
	Status         ExecutionStatus        `json:"status"`
	Result         interface{}            `json:"result,omitempty"`
	ErrorKind      string                 `json:"error_kind,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      time.Time              `json:"started_at,omitempty"`
	FinishedAt     time.Time              `json:"finished_at,omitempty"`
}

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when an execution status would
	// move backward or leave a terminal state.
	ErrInvalidTransition = errors.New("invalid execution status transition")
)

// Store is the persistence surface consumed by the executor and the
// streaming orchestrator.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	TouchConversation(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, msg *Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus) error
	FinishExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)

	Close() error
}
