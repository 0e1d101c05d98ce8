package interfaces

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure surfaced by the core. User-visible
// failures carry a stable kind plus a single free-form message, never a
// stack trace or internal pointer.
type ErrorKind int

const (
	// KindInternal marks invariant violations that should be unreachable.
	KindInternal ErrorKind = iota

	// KindInvalidInput marks malformed events, tokens, or messages. Local,
	// never retried.
	KindInvalidInput

	// KindAuthenticationFailed marks signatures that do not verify.
	KindAuthenticationFailed

	// KindAuthorizationFailed marks missing capabilities, expired or revoked
	// tokens, or insufficient strength.
	KindAuthorizationFailed

	// KindFlowBudgetExhausted marks charges exceeding the remaining budget.
	// Callers may retry after the refill delay.
	KindFlowBudgetExhausted

	// KindConflictingState marks nonce regressions, parent-hash mismatches,
	// and duplicate event ids.
	KindConflictingState

	// KindProtocolViolation marks unexpected ceremony messages, mismatched
	// commitments, and unmet thresholds.
	KindProtocolViolation

	// KindTimeout marks exceeded deadlines.
	KindTimeout

	// KindTransportFailure marks unreachable peers and closed connections.
	KindTransportFailure

	// KindStorageFailure marks failures of the persistence effect.
	KindStorageFailure
)

// String returns the stable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindAuthorizationFailed:
		return "authorization_failed"
	case KindFlowBudgetExhausted:
		return "flow_budget_exhausted"
	case KindConflictingState:
		return "conflicting_state"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindTimeout:
		return "timeout"
	case KindTransportFailure:
		return "transport_failure"
	case KindStorageFailure:
		return "storage_failure"
	default:
		return "internal"
	}
}

// Retryable reports whether a local retry per the configured retry policy
// is appropriate for this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindTransportFailure, KindFlowBudgetExhausted:
		return true
	default:
		return false
	}
}

// Error is a classified failure. The wrapped cause is preserved for
// errors.Is / errors.As chains.
type Error struct {
	ErrKind ErrorKind
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a classified error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{ErrKind: kind, Msg: msg}
}

// Ef creates a classified error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{ErrKind: kind, Msg: msg, Err: err}
}

// Kind extracts the classification from an error chain. Unclassified errors
// report KindInternal.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	return KindInternal
}
