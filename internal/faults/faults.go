// Package faults defines the error taxonomy shared across the platform.
//
// Callers branch on error categories with errors.Is/errors.As rather than
// string matching. The resilience layer uses IsTransient to decide whether
// an operation is worth retrying.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels. Typed errors below wrap one of these so that both
// errors.Is(err, faults.ErrNotFound) and errors.As work.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrTransient      = errors.New("transient failure")
	ErrStorage        = errors.New("storage failure")
	ErrAgentExecution = errors.New("agent execution failed")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Detail)
	}
	return "validation failed: " + e.Detail
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a ValidationError with a formatted detail message.
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity reference.
type NotFoundError struct {
	Kind string // "task_list", "task", "service", "agent"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Detail }
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Conflictf builds a ConflictError with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return &ConflictError{Detail: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure that is expected to clear on retry:
// timeouts, connection refused, 5xx equivalents, SQLITE_BUSY.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return ErrTransient }

// Transient wraps err as retriable. Returns nil if err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is in the retriable category.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// StorageError reports a persistence failure that survived the Database
// retry policy. Fatal to the current operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStorage }

// Storage wraps err as a storage failure. Returns nil if err is nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// CircuitOpenError is the fail-fast signal emitted by an open breaker.
// TimeoutRemaining tells the caller how long until the next probe window.
type CircuitOpenError struct {
	Breaker          string
	TimeoutRemaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Breaker, e.TimeoutRemaining.Round(time.Millisecond))
}

// IsCircuitOpen reports whether err is a breaker fail-fast.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// AgentExecutionError reports a worker invocation failure: non-zero exit,
// timeout, or unknown capability tag.
type AgentExecutionError struct {
	Capability string
	Reason     string
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %q execution failed: %s", e.Capability, e.Reason)
}

func (e *AgentExecutionError) Unwrap() error { return ErrAgentExecution }
