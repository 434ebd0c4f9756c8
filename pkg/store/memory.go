package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and ephemeral deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	executions    map[string]*Execution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		executions:    make(map[string]*Execution),
	}
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

// GetConversation retrieves a conversation by id.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

// TouchConversation bumps the conversation's updated timestamp.
func (m *MemoryStore) TouchConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// SaveMessage appends a message to its conversation.
func (m *MemoryStore) SaveMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)
	return nil
}

// RecentMessages returns up to limit messages in chronological order.
func (m *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateExecution stores a new execution record.
func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

// UpdateExecutionStatus advances an execution's status, enforcing
// forward-only transitions.
func (m *MemoryStore) UpdateExecutionStatus(_ context.Context, id string, status ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(exec.Status, status) {
		return ErrInvalidTransition
	}
	exec.Status = status
	if status == StatusRunning {
		exec.StartedAt = time.Now()
	}
	return nil
}

// FinishExecution writes the terminal status and result of an execution.
func (m *MemoryStore) FinishExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(cur.Status, exec.Status) {
		return ErrInvalidTransition
	}
	cur.Status = exec.Status
	cur.Result = exec.Result
	cur.ErrorKind = exec.ErrorKind
	cur.ErrorMessage = exec.ErrorMessage
	cur.FinishedAt = time.Now()
	return nil
}

// GetExecution retrieves an execution by id.
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
