// Package conncore holds the shared error taxonomy and configuration used
// across the connection fabric.
package conncore

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the terminal outcomes a connection or route can reach.
type ErrorKind int

const (
	// KindTransportClosed means the underlying socket or keep-alive closed.
	KindTransportClosed ErrorKind = iota
	// KindTimeout means an await-with-deadline expired.
	KindTimeout
	// KindProtocolViolation means a peer sent a malformed or unexpected command.
	KindProtocolViolation
	// KindRejected means the peer's allowed-keys didn't match, or the handshake was refused.
	KindRejected
	// KindAuthFailed means challenge-response verification failed.
	KindAuthFailed
	// KindKeyMismatch means a stored key differs from the transmitted one.
	KindKeyMismatch
	// KindDuplicateDropped means this side lost a simultaneous-connect race.
	KindDuplicateDropped
	// KindRouteStopped means the route was explicitly disabled.
	KindRouteStopped
	// KindInternalError means an invariant was broken.
	KindInternalError
	// KindCancelled means stop()/shutdown was called.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportClosed:
		return "TransportClosed"
	case KindTimeout:
		return "Timeout"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindRejected:
		return "Rejected"
	case KindAuthFailed:
		return "AuthFailed"
	case KindKeyMismatch:
		return "KeyMismatch"
	case KindDuplicateDropped:
		return "DuplicateDropped"
	case KindRouteStopped:
		return "RouteStopped"
	case KindInternalError:
		return "InternalError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Reconnectable reports whether the route manager should attempt to
// reconnect after an error of this kind: transient transport failures and
// timeouts are retried, while protocol violations, rejections, auth
// failures, and explicit stops are not.
func (k ErrorKind) Reconnectable() bool {
	switch k {
	case KindTransportClosed, KindTimeout:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with the kind that determines retry and
// surfacing policy.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap constructs a kinded Error, logging is left to the caller since each
// site knows its own component's logger.
func Wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

var (
	// ErrClosed is returned by operations attempted on a closed FramedConnection.
	ErrClosed = fmt.Errorf("connection is closed")
	// ErrNotFound is returned by lookups with no matching group or route.
	ErrNotFound = fmt.Errorf("not found")
)
