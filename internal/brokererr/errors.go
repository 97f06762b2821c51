// errors.go - broker error taxonomy.
// Every failure a dispatch can surface is a *Error with a Kind and a
// retryable flag. The retry engine consults Retryable; the client surface
// serializes Kind/Retryable/Details into the structured tool result.
// Extension-reported error strings are classified by pattern since the
// extension reports free text.
package brokererr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a failure class.
type Kind string

const (
	// KindNoConnection means no extension is attached to serve the session.
	KindNoConnection Kind = "no_connection"
	// KindNoConnectedTab means the session has no usable tab.
	KindNoConnectedTab Kind = "no_connected_tab"
	// KindMessageTimeout means the correlated response did not arrive in time.
	KindMessageTimeout Kind = "message_timeout"
	// KindSendError means the envelope could not be written to the socket.
	KindSendError Kind = "send_error"
	// KindConnectionClosed means the extension socket closed mid-flight.
	KindConnectionClosed Kind = "connection_closed"
	// KindExtensionError is a failure reported by the extension itself.
	KindExtensionError Kind = "extension_error"
	// KindMaxRetriesExceeded wraps the last cause after attempts ran out.
	KindMaxRetriesExceeded Kind = "max_retries_exceeded"
	// KindLockAcquireTimeout means the tab lock could not be acquired in time.
	KindLockAcquireTimeout Kind = "lock_acquire_timeout"
	// KindCancelled means the session was destroyed or the deadline expired.
	KindCancelled Kind = "cancelled"
	// KindNoPortsAvailable means the port pool is exhausted. Fatal at startup.
	KindNoPortsAvailable Kind = "no_ports_available"
	// KindShutdown means the broker is draining.
	KindShutdown Kind = "shutdown"
)

// Error is the broker's uniform failure value.
type Error struct {
	Kind      Kind
	Message   string
	Attempts  int
	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the retry engine may re-attempt the call.
func (e *Error) Retryable() bool { return e.retryable }

// Is matches by Kind so errors.Is(err, brokererr.New(KindCancelled, "")) works
// and sentinel comparison stays cheap.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an Error with the default retryability for its kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, retryable: defaultRetryable(kind)}
}

// Wrap builds an Error around a cause, keeping the kind's default retryability.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause, retryable: defaultRetryable(kind)}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindNoConnection, KindNoConnectedTab, KindMessageTimeout,
		KindSendError, KindConnectionClosed:
		return true
	case KindMaxRetriesExceeded, KindLockAcquireTimeout, KindCancelled,
		KindNoPortsAvailable, KindShutdown:
		return false
	case KindExtensionError:
		// Callers classify extension errors via FromExtension.
		return true
	default:
		return true
	}
}

// MaxRetries wraps the final cause once the retry budget is exhausted.
func MaxRetries(attempts int, cause error) *Error {
	return &Error{
		Kind:     KindMaxRetriesExceeded,
		Message:  fmt.Sprintf("gave up after %d attempts", attempts),
		Attempts: attempts,
		cause:    cause,
	}
}

// nonRetryablePatterns mark extension errors that will fail the same way on
// every attempt: bad references, bad selectors, bad parameters, permissions.
var nonRetryablePatterns = []string{
	"invalid reference",
	"element not found",
	"selector invalid",
	"invalid selector",
	"permission denied",
	"invalid parameter",
	"invalid argument",
	"unknown command",
}

// retryablePatterns mark transient conditions worth another attempt.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"network",
	"temporary",
	"temporarily",
	"busy",
	"rate limit",
	"not connected",
	"connection closed",
	"socket",
}

// FromExtension classifies a free-text error string reported by the
// extension. Validation-style failures are terminal; everything else
// defaults to retryable, since an unknown failure is more often a flaky
// page than a broken request.
func FromExtension(message string) *Error {
	lower := strings.ToLower(message)
	e := &Error{Kind: KindExtensionError, Message: message, retryable: true}
	for _, p := range nonRetryablePatterns {
		if strings.Contains(lower, p) {
			e.retryable = false
			return e
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return e
		}
	}
	return e
}

// IsRetryable reports whether err may be retried. Non-broker errors are
// treated as retryable unknowns, matching the classification table's
// default row.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.retryable
	}
	return err != nil
}

// KindOf extracts the Kind from err, or KindExtensionError for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExtensionError
}
