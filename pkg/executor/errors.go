package executor

import (
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/sandbox"
)

// ErrorCode classifies why an invocation was rejected or failed. These
// travel as values; tool failure is routine, not exceptional.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "validation_error"
	CodePermissionDenied ErrorCode = "permission_denied"
	CodeNotFound         ErrorCode = "not_found"
	CodeRateLimited      ErrorCode = "rate_limit_exceeded"
	CodeConflict         ErrorCode = "conflict"
	CodeInternal         ErrorCode = "internal_error"

	// Sandbox outcomes: the invocation was accepted, so these are
	// reported as classified failures, not transport-level errors.
	CodeSandboxTimeout        ErrorCode = "sandbox_timeout"
	CodeSandboxMemoryExceeded ErrorCode = "sandbox_memory_exceeded"
	CodeSandboxNetworkBlocked ErrorCode = "sandbox_network_blocked"
	CodeSandboxRuntime        ErrorCode = "sandbox_runtime_error"
	CodeCanceled              ErrorCode = "canceled"
)

// FieldError carries one schema violation.
type FieldError struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// Error is a classified invocation failure.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Fields     []FieldError  `json:"fields,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// HTTPStatus maps the error code to a REST status. Sandbox failures map
// to 200: the call was accepted and the failure is part of the result.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeConflict:
		return http.StatusConflict
	case CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// classifySandboxError maps a sandbox error kind to an executor code.
func classifySandboxError(kind sandbox.ErrorKind) ErrorCode {
	switch kind {
	case sandbox.KindTimeout:
		return CodeSandboxTimeout
	case sandbox.KindMemoryLimit:
		return CodeSandboxMemoryExceeded
	case sandbox.KindNetworkBlocked:
		return CodeSandboxNetworkBlocked
	case sandbox.KindCanceled:
		return CodeCanceled
	}
	return CodeSandboxRuntime
}
