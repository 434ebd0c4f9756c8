package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	incomplete      INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	tool_name       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	params          TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          TEXT,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	started_at      TIMESTAMP,
	finished_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_user_tool ON executions(user_id, tool_name, status);
`

// SQLiteStore persists conversation and execution state in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite store opened")

	return &SQLiteStore{db: db, logger: logger}, nil
}

// CreateConversation stores a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, tenant_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.TenantID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tenant_id, title, created_at, updated_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.UserID, &conv.TenantID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// TouchConversation bumps the conversation's updated timestamp.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage appends a message to its conversation.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, incomplete, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Incomplete, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, incomplete, created_at
		 FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Incomplete, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CreateExecution stores a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	params, err := json.Marshal(exec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, tool_name, user_id, tenant_id, conversation_id, params, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ToolName, exec.UserID, exec.TenantID, exec.ConversationID,
		string(params), string(exec.Status), exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus advances an execution's status, enforcing
// forward-only transitions at the SQL level.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus) error {
	cur, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(cur.Status, status) {
		return ErrInvalidTransition
	}

	var res sql.Result
	if status == StatusRunning {
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(status), time.Now(), id, string(cur.Status))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ? WHERE id = ? AND status = ?`,
			string(status), id, string(cur.Status))
	}
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FinishExecution writes the terminal status and result of an execution.
func (s *SQLiteStore) FinishExecution(ctx context.Context, exec *Execution) error {
	cur, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if !CanTransition(cur.Status, exec.Status) {
		return ErrInvalidTransition
	}

	var result sql.NullString
	if exec.Result != nil {
		data, err := json.Marshal(exec.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, result = ?, error_kind = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		string(exec.Status), result, exec.ErrorKind, exec.ErrorMessage, time.Now(),
		exec.ID, string(cur.Status))
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var (
		exec       Execution
		params     string
		result     sql.NullString
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tool_name, user_id, tenant_id, conversation_id, params, status,
		        result, error_kind, error_message, created_at, started_at, finished_at
		 FROM executions WHERE id = ?`, id).
		Scan(&exec.ID, &exec.ToolName, &exec.UserID, &exec.TenantID, &exec.ConversationID,
			&params, &status, &result, &exec.ErrorKind, &exec.ErrorMessage,
			&exec.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	exec.Status = ExecutionStatus(status)
	if err := json.Unmarshal([]byte(params), &exec.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if result.Valid {
		var v interface{}
		if err := json.Unmarshal([]byte(result.String), &v); err == nil {
			exec.Result = v
		}
	}
	if startedAt.Valid {
		exec.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		exec.FinishedAt = finishedAt.Time
	}
	return &exec, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
