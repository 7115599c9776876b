package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for surface translation. Kinds map to HTTP
// statuses in the REST adapter and to isError results in the RPC adapter.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindClosed       ErrorKind = "closed"
	KindNotAssigned  ErrorKind = "not_assigned"
	KindExpired      ErrorKind = "expired"
	KindUnauthorized ErrorKind = "unauthorized"
	KindUnavailable  ErrorKind = "unavailable"
	KindInternal     ErrorKind = "internal"
)

// Error is the typed error raised by backends and services.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewValidation reports malformed or out-of-range input.
func NewValidation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports a missing entity.
func NewNotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// NewConflict reports a duplicate or stale write.
func NewConflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewDuplicateTask reports a fingerprint collision under the fail policy.
func NewDuplicateTask(existingID string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("duplicate task: matches existing task %s", existingID)}
}

// NewStaleWrite reports a lost compare-and-swap race. Retriable: the caller
// re-runs selection.
func NewStaleWrite(taskID string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("task %s changed between selection and write", taskID), Retriable: true}
}

// NewClosed reports an operation against a closed project.
func NewClosed(projectID string) *Error {
	return &Error{Kind: KindClosed, Message: fmt.Sprintf("project is closed: %s", projectID)}
}

// NewNotAssigned reports an ownership mismatch on complete/fail/extend.
func NewNotAssigned(taskID, agentName string) *Error {
	return &Error{Kind: KindNotAssigned, Message: fmt.Sprintf("task %s is not assigned to agent %q", taskID, agentName)}
}

// NewExpired reports an operation against a lease that no longer exists.
func NewExpired(format string, args ...any) *Error {
	return &Error{Kind: KindExpired, Message: fmt.Sprintf(format, args...)}
}

// NewUnauthorized reports an authentication or session failure.
func NewUnauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// NewUnavailable reports a backend I/O failure. Always retriable.
func NewUnavailable(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...), Retriable: true, cause: cause}
}

// NewLockTimeout reports a lock-acquisition timeout. Retriable.
func NewLockTimeout(projectID string) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf("timed out acquiring lock for project %s", projectID), Retriable: true}
}

// NewInternal reports an unexpected failure.
func NewInternal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsRetriable reports whether the operation may be safely retried.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}
