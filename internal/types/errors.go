package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies governance errors for transport mapping and recovery hints.
type ErrorKind int

const (
	// KindInvalidArgument indicates malformed input, out-of-range numerics, or
	// unknown fields. Never recorded to agent history.
	KindInvalidArgument ErrorKind = iota

	// KindInvalidIdentifier indicates a malformed or reserved agent_id.
	KindInvalidIdentifier

	// KindAuthRequired indicates a missing or non-matching API key.
	KindAuthRequired

	// KindSessionMismatch indicates the session is bound to a different agent
	// than the one named in the request.
	KindSessionMismatch

	// KindNotFound indicates the referenced agent, session, or discovery does
	// not exist.
	KindNotFound

	// KindNotBound indicates an identity lookup on a session with no binding.
	KindNotBound

	// KindBusy indicates the agent lock could not be acquired in time. Retryable.
	KindBusy

	// KindAgentPaused indicates the target agent is paused and the operation
	// requires an active agent.
	KindAgentPaused

	// KindDynamicsInstability indicates a non-finite intermediate in the
	// dynamics step; state was rolled back and the update discarded.
	KindDynamicsInstability

	// KindServiceUnavailable indicates a persistent storage failure after the
	// in-lock retry.
	KindServiceUnavailable

	// KindNoReviewerAvailable indicates the reviewer pool was empty and no
	// model collaborator is configured.
	KindNoReviewerAvailable

	// KindWrongPhase indicates a dialectic message submitted out of order.
	KindWrongPhase

	// KindMaxRoundsExceeded indicates the dialectic synthesis cap was hit.
	KindMaxRoundsExceeded

	// KindUnsafeConditions indicates the hard-limits safety check rejected
	// proposed resume conditions.
	KindUnsafeConditions

	// KindUnsafe indicates a direct resume was refused by the safety gate.
	KindUnsafe

	// KindInternal is the fallback for unclassified failures.
	KindInternal
)

// Code returns the stable wire code for the kind.
func (k ErrorKind) Code() string {
	codes := []string{
		"invalid_argument",
		"invalid_identifier",
		"auth_required",
		"session_mismatch",
		"not_found",
		"not_bound",
		"busy",
		"agent_paused",
		"dynamics_instability",
		"service_unavailable",
		"no_reviewer_available",
		"wrong_phase",
		"max_rounds_exceeded",
		"unsafe_conditions",
		"unsafe",
		"internal",
	}
	if int(k) < len(codes) {
		return codes[k]
	}
	return "internal"
}

// String returns the code; kinds print identically in logs and on the wire.
func (k ErrorKind) String() string { return k.Code() }

// Retryable reports whether the caller may retry the same request unchanged.
func (k ErrorKind) Retryable() bool {
	return k == KindBusy || k == KindDynamicsInstability || k == KindServiceUnavailable
}

// Error is the structured governance error. It carries a stable code, a
// human-readable message, and an optional recovery block naming the next
// operation to try.
type Error struct {
	Kind       ErrorKind
	Message    string
	Recovery   string        // next operation to try, e.g. "direct_resume_if_safe"
	RetryAfter time.Duration // populated for Busy
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a governance error with a formatted message.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a governance error.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRecovery sets the recovery hint and returns the error for chaining.
func (e *Error) WithRecovery(op string) *Error {
	e.Recovery = op
	return e
}

// WithRetryAfter sets the suggested retry delay and returns the error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the error kind from any error in the chain. Unclassified
// errors report KindInternal.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given governance kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
