package core

import (
	"errors"
	"fmt"
)

// Kind classifies a client fault. Business outcomes of a skill (object not
// found, low confidence, quota exceeded) are NOT faults and never appear
// here; they are carried as a Failure on the Result.
type Kind int

const (
	// KindValidation marks malformed or inconsistent caller arguments.
	// Never retried, surfaced before any network traffic.
	KindValidation Kind = iota
	// KindAuth marks invalid credentials or a refresh that failed twice in
	// a row. Fatal for the session; the caller must log in again.
	KindAuth
	// KindNetwork marks a transport failure that persisted through the
	// retry policy. Safe to retry the whole operation.
	KindNetwork
	// KindConnection marks a push-channel establishment failure.
	KindConnection
	// KindTimeout marks a wait that exceeded its deadline.
	KindTimeout
	// KindStreamLost marks a wait abandoned because the push channel could
	// not be recovered. Safe to retry the same ensure call.
	KindStreamLost
	// KindCancelled marks a wait resolved by explicit cancellation or
	// stream shutdown.
	KindCancelled
	// KindServer marks a 5xx-class response that persisted through the
	// retry policy.
	KindServer
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindStreamLost:
		return "stream_lost"
	case KindCancelled:
		return "cancelled"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is the single fault type of the client. Op names the failing
// operation ("transport.do", "session.login", "stream.dial", ...).
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf constructs an *Error with a formatted message.
func Errf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapErr constructs an *Error wrapping a cause.
func WrapErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err (or anything it wraps) is an *Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsRetryable reports whether the caller may safely re-issue the failed
// operation with identical arguments. Idempotent target derivation makes
// every ensure call replay-safe, so everything except validation and
// authentication faults qualifies.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Kind {
	case KindNetwork, KindConnection, KindTimeout, KindStreamLost, KindCancelled, KindServer:
		return true
	default:
		return false
	}
}
