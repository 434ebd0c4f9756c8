package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Run("should only advance forward", func(t *testing.T) {
		assert.True(t, CanTransition(StatusQueued, StatusRunning))
		assert.True(t, CanTransition(StatusQueued, StatusFailed))
		assert.True(t, CanTransition(StatusRunning, StatusCompleted))
		assert.True(t, CanTransition(StatusRunning, StatusTimeout))

		assert.False(t, CanTransition(StatusRunning, StatusQueued))
		assert.False(t, CanTransition(StatusCompleted, StatusRunning))
		assert.False(t, CanTransition(StatusFailed, StatusCompleted))
		assert.False(t, CanTransition(StatusTimeout, StatusQueued))
	})

	t.Run("should reject self transitions", func(t *testing.T) {
		assert.False(t, CanTransition(StatusRunning, StatusRunning))
	})
}

func TestMemoryStore_Conversations(t *testing.T) {
	ctx := context.Background()

	t.Run("should create and fetch a conversation", func(t *testing.T) {
		m := NewMemoryStore()
		require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "c1", UserID: "u1", TenantID: "acme"}))

		conv, err := m.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "u1", conv.UserID)
		assert.False(t, conv.CreatedAt.IsZero())
	})

	t.Run("should return not found for an unknown conversation", func(t *testing.T) {
		m := NewMemoryStore()
		_, err := m.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should bump the updated timestamp on touch", func(t *testing.T) {
		m := NewMemoryStore()
		require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "c1"}))
		before, _ := m.GetConversation(ctx, "c1")

		require.NoError(t, m.TouchConversation(ctx, "c1"))
		after, _ := m.GetConversation(ctx, "c1")
		assert.True(t, !after.UpdatedAt.Before(before.UpdatedAt))
	})
}

func TestMemoryStore_Messages(t *testing.T) {
	ctx := context.Background()

	t.Run("should return recent messages in order with a limit", func(t *testing.T) {
		m := NewMemoryStore()
		for _, content := range []string{"one", "two", "three"} {
			require.NoError(t, m.SaveMessage(ctx, &Message{ConversationID: "c1", Role: "user", Content: content}))
		}

		msgs, err := m.RecentMessages(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "two", msgs[0].Content)
		assert.Equal(t, "three", msgs[1].Content)
	})

	t.Run("should keep conversations separate", func(t *testing.T) {
		m := NewMemoryStore()
		require.NoError(t, m.SaveMessage(ctx, &Message{ConversationID: "c1", Content: "a"}))
		require.NoError(t, m.SaveMessage(ctx, &Message{ConversationID: "c2", Content: "b"}))

		msgs, err := m.RecentMessages(ctx, "c1", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "a", msgs[0].Content)
	})
}

func TestMemoryStore_Executions(t *testing.T) {
	ctx := context.Background()

	newExec := func(t *testing.T) (*MemoryStore, *Execution) {
		m := NewMemoryStore()
		exec := &Execution{ID: "e1", ToolName: "run_python", UserID: "u1", TenantID: "acme", Status: StatusQueued}
		require.NoError(t, m.CreateExecution(ctx, exec))
		return m, exec
	}

	t.Run("should advance queued to running to completed", func(t *testing.T) {
		m, exec := newExec(t)
		require.NoError(t, m.UpdateExecutionStatus(ctx, exec.ID, StatusRunning))

		exec.Status = StatusCompleted
		exec.Result = "ok"
		require.NoError(t, m.FinishExecution(ctx, exec))

		got, err := m.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, "ok", got.Result)
		assert.False(t, got.FinishedAt.IsZero())
	})

	t.Run("should reject backward transitions", func(t *testing.T) {
		m, exec := newExec(t)
		require.NoError(t, m.UpdateExecutionStatus(ctx, exec.ID, StatusRunning))
		err := m.UpdateExecutionStatus(ctx, exec.ID, StatusQueued)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("should keep terminal states final", func(t *testing.T) {
		m, exec := newExec(t)
		require.NoError(t, m.UpdateExecutionStatus(ctx, exec.ID, StatusRunning))
		exec.Status = StatusTimeout
		require.NoError(t, m.FinishExecution(ctx, exec))

		err := m.UpdateExecutionStatus(ctx, exec.ID, StatusRunning)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		exec.Status = StatusCompleted
		err = m.FinishExecution(ctx, exec)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("should return not found for unknown executions", func(t *testing.T) {
		m := NewMemoryStore()
		_, err := m.GetExecution(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, m.UpdateExecutionStatus(ctx, "missing", StatusRunning), ErrNotFound)
	})
}
