package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one structured entry in the audit log. Every classified
// error carries the executionId/connectionId that correlates it.
type AuditEvent struct {
	Type         string                 `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Actor        string                 `json:"actor,omitempty"` // userId
	TenantID     string                 `json:"tenant_id,omitempty"`
	Action       string                 `json:"action"` // e.g. "tool_executed"
	Status       string                 `json:"status"` // success, failure, rejected
	ExecutionID  string                 `json:"execution_id,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger records audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger, defaulting to stderr
// until InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger points the global audit logger at a file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Record writes one audit event.
func (a *AuditLogger) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	entry := a.logger.Info().
		Str("event_type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.TenantID != "" {
		entry = entry.Str("tenant_id", event.TenantID)
	}
	if event.ExecutionID != "" {
		entry = entry.Str("execution_id", event.ExecutionID)
	}
	if event.ConnectionID != "" {
		entry = entry.Str("connection_id", event.ConnectionID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("audit")
}

// Close releases the audit log file if one is open.
func (a *AuditLogger) Close() error {
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
