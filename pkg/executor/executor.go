// Package executor validates, authorizes, rate-limits, and dispatches
// tool invocations, owning each Execution record through its lifecycle.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// StatusConfirmationRequired is returned instead of dispatching when a
// tool requires explicit confirmation the caller has not supplied.
const StatusConfirmationRequired = "confirmation_required"

// Caller carries the authenticated context of one invocation.
type Caller struct {
	Identity       identity.Identity
	ConversationID string
	ConnectionID   string

	// Confirmed marks the call as explicitly confirmed by the user.
	Confirmed bool

	// Overrides, honored only within descriptor-defined maxima.
	TimeoutOverride  time.Duration
	MemoryMBOverride int
}

// Response is the outcome of one Execute call.
type Response struct {
	ExecutionID string      `json:"execution_id,omitempty"`
	Status      string      `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Err         *Error      `json:"error,omitempty"`
}

// Success reports whether the invocation completed without a classified
// failure.
func (r Response) Success() bool { return r.Err == nil }

// Config wires the executor's collaborators.
type Config struct {
	Registry    *tools.Registry
	Runner      sandbox.Runner
	Limiter     *ratelimit.Limiter
	Store       store.Store
	Logger      zerolog.Logger
	RateLimit   int // invocations per window per (tenant, tool); 0 = limiter default
	OutputLimit int // bytes before handler output is truncated; 0 = 256 KiB
}

// Executor runs the invocation pipeline. Many Execute calls proceed
// concurrently; each Execution record has this instance as its single
// writer, and only the rate-limit counters are shared mutable state.
type Executor struct {
	registry    *tools.Registry
	runner      sandbox.Runner
	limiter     *ratelimit.Limiter
	store       store.Store
	logger      zerolog.Logger
	rateLimit   int
	outputLimit int

	// Guards the one-running-execution invariant for tools not flagged
	// concurrent, keyed by (userId, toolName).
	runningMu sync.Mutex
	running   map[string]bool
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("sandbox runner is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 256 * 1024
	}

	observability.EnsureRegistered()

	return &Executor{
		registry:    cfg.Registry,
		runner:      cfg.Runner,
		limiter:     cfg.Limiter,
		store:       cfg.Store,
		logger:      cfg.Logger,
		rateLimit:   cfg.RateLimit,
		outputLimit: cfg.OutputLimit,
		running:     make(map[string]bool),
	}, nil
}

// Execute runs the full invocation pipeline. Lookup, authorization,
// validation, confirmation, and rate limiting all fail fast before any
// sandbox resource is consumed or any record is written.
func (e *Executor) Execute(ctx context.Context, toolName string, params map[string]interface{}, caller Caller) Response {
	start := time.Now()

	desc, err := e.registry.Lookup(toolName)
	if err != nil {
		return e.reject(caller, toolName, &Error{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("unknown tool: %s", toolName),
		})
	}

	if !caller.Identity.HasAll(desc.RequiredPermissions) {
		return e.reject(caller, toolName, &Error{
			Code:    CodePermissionDenied,
			Message: fmt.Sprintf("missing permissions for tool %s", toolName),
		})
	}

	if fieldErrs := validateParams(desc.Schema(), params); len(fieldErrs) > 0 {
		return e.reject(caller, toolName, &Error{
			Code:    CodeValidation,
			Message: "parameters do not match the tool schema",
			Fields:  fieldErrs,
		})
	}

	if desc.RequiresConfirmation && !caller.Confirmed {
		return Response{Status: StatusConfirmationRequired}
	}

	// A validated timeout_seconds parameter is the caller's timeout
	// override; dispatch clamps it to the descriptor's maximum.
	if caller.TimeoutOverride == 0 {
		caller.TimeoutOverride = timeoutOverride(params)
	}

	if ok, retryAfter := e.limiter.Allow(caller.Identity.TenantID, toolName, e.rateLimit); !ok {
		observability.RecordRateLimitRejection(toolName)
		return e.reject(caller, toolName, &Error{
			Code:       CodeRateLimited,
			Message:    fmt.Sprintf("rate limit exceeded for tool %s", toolName),
			RetryAfter: retryAfter,
		})
	}

	if !desc.Concurrent {
		if !e.acquireRunning(caller.Identity.UserID, toolName) {
			return e.reject(caller, toolName, &Error{
				Code:    CodeConflict,
				Message: fmt.Sprintf("tool %s is already running for this user", toolName),
			})
		}
		defer e.releaseRunning(caller.Identity.UserID, toolName)
	}

	execID, _ := gonanoid.New()
	record := &store.Execution{
		ID:             execID,
		ToolName:       toolName,
		UserID:         caller.Identity.UserID,
		TenantID:       caller.Identity.TenantID,
		ConversationID: caller.ConversationID,
		Params:         params,
		Status:         store.StatusQueued,
	}
	if err := e.store.CreateExecution(ctx, record); err != nil {
		e.logger.Error().Err(err).Str("tool", toolName).Msg("Failed to persist execution")
		return Response{Err: &Error{Code: CodeInternal, Message: "failed to persist execution"}}
	}
	if err := e.store.UpdateExecutionStatus(ctx, execID, store.StatusRunning); err != nil {
		e.logger.Error().Err(err).Str("executionId", execID).Msg("Failed to mark execution running")
		return Response{ExecutionID: execID, Err: &Error{Code: CodeInternal, Message: "failed to update execution"}}
	}

	e.logger.Debug().
		Str("executionId", execID).
		Str("tool", toolName).
		Str("tenant", caller.Identity.TenantID).
		Msg("Dispatching tool")

	result, execErr := e.dispatch(ctx, desc, params, caller)
	duration := time.Since(start)

	status := store.StatusCompleted
	if execErr != nil {
		status = store.StatusFailed
		if execErr.Code == CodeSandboxTimeout {
			status = store.StatusTimeout
		}
	}

	record.Status = status
	record.Result = result
	if execErr != nil {
		record.ErrorKind = string(execErr.Code)
		record.ErrorMessage = execErr.Message
	}
	if err := e.store.FinishExecution(ctx, record); err != nil {
		e.logger.Error().Err(err).Str("executionId", execID).Msg("Failed to finish execution")
	}

	observability.RecordExecution(toolName, string(status), duration)
	e.audit(caller, toolName, execID, status, execErr, duration)

	return Response{
		ExecutionID: execID,
		Status:      string(status),
		Result:      result,
		Err:         execErr,
	}
}

// dispatch runs the tool via its in-process handler or the sandbox
// runner, clamping caller overrides to the descriptor's maxima.
func (e *Executor) dispatch(ctx context.Context, desc *tools.Descriptor, params map[string]interface{}, caller Caller) (interface{}, *Error) {
	timeout := clampTimeout(caller.TimeoutOverride, desc.DefaultTimeout, desc.MaxTimeout)

	if desc.Handler != nil {
		return e.dispatchHandler(ctx, desc, params, timeout)
	}
	return e.dispatchSandbox(ctx, desc, params, caller, timeout)
}

func (e *Executor) dispatchHandler(ctx context.Context, desc *tools.Descriptor, params map[string]interface{}, timeout time.Duration) (interface{}, *Error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)

	go func() {
		result, err := desc.Handler(runCtx, params)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return e.truncateOutput(result), nil
	case err := <-errCh:
		return nil, &Error{Code: CodeSandboxRuntime, Message: err.Error()}
	case <-runCtx.Done():
		if ctx.Err() == context.Canceled {
			return nil, &Error{Code: CodeCanceled, Message: "invocation canceled"}
		}
		return nil, &Error{
			Code:    CodeSandboxTimeout,
			Message: fmt.Sprintf("tool timed out after %s", timeout),
		}
	}
}

func (e *Executor) dispatchSandbox(ctx context.Context, desc *tools.Descriptor, params map[string]interface{}, caller Caller, timeout time.Duration) (interface{}, *Error) {
	input, err := json.Marshal(params)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: "failed to encode parameters"}
	}

	limits := sandbox.Limits{
		Timeout:  timeout,
		MemoryMB: clampMemory(caller.MemoryMBOverride, desc.DefaultMemMB, desc.MaxMemMB),
	}

	binding := sandbox.Binding{
		Image:   desc.Sandbox.Image,
		Command: desc.Sandbox.Command,
	}

	start := time.Now()
	runResult, runErr := e.runner.Run(ctx, binding, input, limits)
	if runErr != nil {
		kind := sandbox.KindRuntime
		message := runErr.Error()
		if se, ok := sandbox.AsError(runErr); ok {
			kind = se.Kind
			message = se.Message
		}
		observability.RecordSandboxRun(string(kind), time.Since(start))
		return runResultPayload(runResult), &Error{Code: classifySandboxError(kind), Message: message}
	}
	observability.RecordSandboxRun("ok", time.Since(start))
	return runResultPayload(runResult), nil
}

// runResultPayload shapes a sandbox result for callers; partial output is
// preserved on failure so users can see what happened before the kill.
func runResultPayload(r sandbox.RunResult) map[string]interface{} {
	payload := map[string]interface{}{
		"stdout":      string(r.Stdout),
		"stderr":      string(r.Stderr),
		"exit_code":   r.ExitCode,
		"duration_ms": r.DurationMs,
	}
	if r.Truncated {
		payload["truncated"] = true
	}
	if len(r.Artifacts) > 0 {
		names := make([]string, 0, len(r.Artifacts))
		for _, a := range r.Artifacts {
			names = append(names, a.Name)
		}
		payload["artifacts"] = names
	}
	return payload
}

func (e *Executor) acquireRunning(userID, toolName string) bool {
	key := userID + "\x00" + toolName
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	if e.running[key] {
		return false
	}
	e.running[key] = true
	return true
}

func (e *Executor) releaseRunning(userID, toolName string) {
	key := userID + "\x00" + toolName
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.running, key)
}

// reject records a fail-fast rejection in the audit log. No Execution
// record exists for rejected calls.
func (e *Executor) reject(caller Caller, toolName string, rejErr *Error) Response {
	e.logger.Warn().
		Str("tool", toolName).
		Str("user", caller.Identity.UserID).
		Str("code", string(rejErr.Code)).
		Msg("Tool invocation rejected")

	observability.GetAuditLogger().Record(observability.AuditEvent{
		Type:         "tool",
		Actor:        caller.Identity.UserID,
		TenantID:     caller.Identity.TenantID,
		Action:       "tool_rejected",
		Status:       string(rejErr.Code),
		ConnectionID: caller.ConnectionID,
		Metadata:     map[string]interface{}{"tool": toolName},
	})
	return Response{Err: rejErr}
}

func (e *Executor) audit(caller Caller, toolName, execID string, status store.ExecutionStatus, execErr *Error, duration time.Duration) {
	event := observability.AuditEvent{
		Type:         "tool",
		Actor:        caller.Identity.UserID,
		TenantID:     caller.Identity.TenantID,
		Action:       "tool_executed",
		Status:       string(status),
		ExecutionID:  execID,
		ConnectionID: caller.ConnectionID,
		Metadata: map[string]interface{}{
			"tool":        toolName,
			"duration_ms": duration.Milliseconds(),
		},
	}
	if execErr != nil {
		event.Metadata["error_code"] = string(execErr.Code)
	}
	observability.GetAuditLogger().Record(event)
}

// truncateOutput caps oversized handler results.
func (e *Executor) truncateOutput(output interface{}) interface{} {
	data, err := json.Marshal(output)
	if err != nil || len(data) <= e.outputLimit {
		return output
	}
	s := fmt.Sprintf("%v", output)
	if len(s) > e.outputLimit {
		s = s[:e.outputLimit]
	}
	return map[string]interface{}{"output": s, "truncated": true}
}

func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) []FieldError {
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []FieldError{{Field: "", Description: err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	fieldErrs := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		fieldErrs = append(fieldErrs, FieldError{
			Field:       re.Field(),
			Description: re.Description(),
		})
	}
	return fieldErrs
}

// timeoutOverride reads the timeout_seconds parameter when a tool
// advertises one. JSON decoding yields float64; in-process callers may
// pass int.
func timeoutOverride(params map[string]interface{}) time.Duration {
	switch v := params["timeout_seconds"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return 0
}

func clampTimeout(override, def, max time.Duration) time.Duration {
	timeout := def
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if override > 0 {
		timeout = override
	}
	if max > 0 && timeout > max {
		timeout = max
	}
	return timeout
}

func clampMemory(override, def, max int) int {
	mem := def
	if override > 0 {
		mem = override
	}
	if max > 0 && mem > max {
		mem = max
	}
	return mem
}
