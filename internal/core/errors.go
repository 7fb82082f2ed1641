package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors for recovery decisions. The kinds mirror the
// handling table: transient kinds are absorbed by the iteration engine,
// persistence and fatal kinds force the project into paused or failed.
type ErrorKind string

const (
	KindTransientAgent ErrorKind = "transient_agent" // dead session, non-zero exit, round timeout
	KindQuota          ErrorKind = "quota"           // provider rate limit / quota exhaustion
	KindStale          ErrorKind = "persistence_stale"
	KindPersistenceIO  ErrorKind = "persistence_io"
	KindVersionControl ErrorKind = "version_control"
	KindFatalMilestone ErrorKind = "fatal_milestone" // finalization failed, milestone stays in_progress
	KindCorruptState   ErrorKind = "corrupt_state"
	KindFatalEngine    ErrorKind = "fatal_engine"
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindInternal       ErrorKind = "internal"
)

// DomainError is the tagged result type carried uniformly across the core.
type DomainError struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on kind and code so sentinel comparisons work through wrapping.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information for the event payload.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrTransientAgent creates a per-round agent failure. Recovered locally by
// counting a rejection and continuing.
func ErrTransientAgent(code, message string) *DomainError {
	return &DomainError{Kind: KindTransientAgent, Code: code, Message: message, Retryable: true}
}

// ErrQuota creates a rate-limit/quota error. Retries do not consume
// rejection budget.
func ErrQuota(message string) *DomainError {
	return &DomainError{Kind: KindQuota, Code: "QUOTA", Message: message, Retryable: true}
}

// ErrStale creates an optimistic-concurrency conflict on a state write.
func ErrStale(path string) *DomainError {
	return &DomainError{Kind: KindStale, Code: "STALE_VERSION", Message: "stale version token for " + path, Retryable: true}
}

// ErrPersistenceIO creates a disk/lock failure. Surfaced to the supervisor.
func ErrPersistenceIO(code, message string) *DomainError {
	return &DomainError{Kind: KindPersistenceIO, Code: code, Message: message, Retryable: false}
}

// ErrVersionControl creates a git command failure carrying the command's
// verbatim output.
func ErrVersionControl(code, message string) *DomainError {
	return &DomainError{Kind: KindVersionControl, Code: code, Message: message, Retryable: false}
}

// ErrFatalMilestone marks a finalization failure: the milestone is not
// completed and the project awaits human input.
func ErrFatalMilestone(message string) *DomainError {
	return &DomainError{Kind: KindFatalMilestone, Code: "FINALIZE_FAILED", Message: message, Retryable: false}
}

// ErrCorruptState marks malformed JSON on disk. The offending path and raw
// content travel in Details for quarantine and diagnostics.
func ErrCorruptState(path, raw string) *DomainError {
	e := &DomainError{Kind: KindCorruptState, Code: "CORRUPT_JSON", Message: "malformed JSON in " + path, Retryable: false}
	return e.WithDetail("path", path).WithDetail("raw", raw)
}

// ErrFatalEngine marks an unreachable invariant violation inside the
// iteration engine.
func ErrFatalEngine(code, message string) *DomainError {
	return &DomainError{Kind: KindFatalEngine, Code: code, Message: message, Retryable: false}
}

// ErrValidation creates an invalid-input error for the control API.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Kind: KindValidation, Code: code, Message: message, Retryable: false}
}

// ErrNotFound creates a missing-resource error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{Kind: KindNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("%s not found: %s", resource, id), Retryable: false}
}

// IsRetryable reports whether the error may be retried locally.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetKind extracts the error kind, defaulting to internal.
func GetKind(err error) ErrorKind {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Kind
	}
	return KindInternal
}

// IsKind checks whether an error belongs to a kind.
func IsKind(err error, kind ErrorKind) bool {
	return GetKind(err) == kind
}

// Predefined error codes.
const (
	CodeSessionDead      = "SESSION_DEAD"
	CodeRoundTimeout     = "ROUND_TIMEOUT"
	CodeLockUnavailable  = "LOCK_UNAVAILABLE"
	CodeMissingBase      = "MISSING_BASE_COMMIT"
	CodeInvalidState     = "INVALID_STATE"
	CodeInvalidSchedule  = "INVALID_SCHEDULE"
	CodeNotRegistered    = "NOT_REGISTERED"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeDirtyTree        = "DIRTY_TREE"
	CodePreflightFailed  = "PREFLIGHT_FAILED"
	CodeMergeFailed      = "MERGE_FAILED"
	CodeTagFailed        = "TAG_FAILED"
	CodeNotInProgress    = "NOT_IN_PROGRESS"
	CodeNotAwaitingHuman = "NOT_AWAITING_REVIEW"
)
