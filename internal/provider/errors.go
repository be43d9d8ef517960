package provider

import "fmt"

// ErrorKind is the provider-level failure taxonomy from spec.md §4.B.
type ErrorKind string

const (
	// ErrContextLengthExceeded triggers forced compaction and bounded retry
	// in the reply loop (spec.md §4.I step 3).
	ErrContextLengthExceeded ErrorKind = "context_length_exceeded"
	// ErrRateLimitExceeded is surfaced to the caller; the core does not
	// retry it itself (spec.md §7).
	ErrRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	ErrAuthentication    ErrorKind = "authentication"
	ErrServerError       ErrorKind = "server_error"
	ErrRequestFailed     ErrorKind = "request_failed"
	ErrUsageError        ErrorKind = "usage_error"
)

// Error is a typed provider failure. Kind drives the reply loop's recovery
// policy (spec.md §7); Cause is the underlying transport/SDK error.
type Error struct {
	Kind       ErrorKind
	Message    string
	Cause      error
	RetryAfter *int // seconds, set for ErrRateLimitExceeded when known
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("provider: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("provider: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &Error{Kind: ErrX}) comparisons: any *Error
// target with an equal Kind matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError wraps cause with a classification kind.
func NewError(kind ErrorKind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}
