package amqp

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/amqpcore/coreamqp/internal/encoding"
)

// Error is the AMQP wire-level error record carried by Close, End, Detach,
// and rejecting Dispositions.
type Error = encoding.Error

// Standard condition constructors, re-exported at the package root so
// callers never need to reach into internal/encoding directly.
var (
	NewInternalError              = encoding.ErrInternalError
	NewNotFoundError              = encoding.ErrNotFound
	NewUnauthorizedAccessError    = encoding.ErrUnauthorizedAccess
	NewDecodeError                = encoding.ErrDecodeError
	NewInvalidFieldError          = encoding.ErrInvalidField
	NewNotAllowedError            = encoding.ErrNotAllowed
	NewNotImplementedError        = encoding.ErrNotImplemented
	NewResourceLimitExceededError = encoding.ErrResourceLimitExceeded
	NewIllegalStateError          = encoding.ErrIllegalState
	NewFrameSizeTooSmallError     = encoding.ErrFrameSizeTooSmall
)

// NewError builds an *Error for an arbitrary condition symbol.
func NewError(condition, description string) *Error {
	return &Error{Condition: encoding.ErrorCondition(condition), Description: description}
}

// ConnKind enumerates the transport-fatal and protocol-recoverable error
// kinds a connection's driver can surface, per the AMQP transport error
// taxonomy.
type ConnKind int

const (
	// KindCodec is a decoding failure; fatal for the connection.
	KindCodec ConnKind = iota
	// KindTooManyChannels means the local channel table is exhausted;
	// recoverable by the caller of open_session.
	KindTooManyChannels
	// KindDisconnected means the transport I/O ended or a write failed;
	// fatal.
	KindDisconnected
	// KindTimeout means the heartbeat's local watch expired; fatal.
	KindTimeout
	// KindClosed means the peer initiated Close.
	KindClosed
	// KindSessionEnded is session-scope terminal.
	KindSessionEnded
	// KindLinkDetached is link-scope terminal; opaque to the core.
	KindLinkDetached
)

func (k ConnKind) String() string {
	switch k {
	case KindCodec:
		return "Codec"
	case KindTooManyChannels:
		return "TooManyChannels"
	case KindDisconnected:
		return "Disconnected"
	case KindTimeout:
		return "Timeout"
	case KindClosed:
		return "Closed"
	case KindSessionEnded:
		return "SessionEnded"
	case KindLinkDetached:
		return "LinkDetached"
	default:
		return "Unknown"
	}
}

// ConnError is the transport-level error stored in a connection's error
// slot. Peer is the optional AMQP error the remote end attached to a
// Close/End/Detach that caused this kind; it is nil for locally-detected
// faults (Codec, Disconnected, Timeout) and for the protocol-recoverable
// TooManyChannels.
type ConnError struct {
	Kind  ConnKind
	Peer  *Error
	inner error
}

func (e *ConnError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Peer != nil {
		return fmt.Sprintf("amqp: %s: %s", e.Kind, e.Peer)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: %s: %s", e.Kind, e.inner)
	}
	return fmt.Sprintf("amqp: %s", e.Kind)
}

func (e *ConnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.inner
}

// newConnError wraps cause (which may be nil) with pkg/errors so a Codec
// or Disconnected fault retains a stack trace back to the failing read or
// decode.
func newConnError(kind ConnKind, cause error) *ConnError {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &ConnError{Kind: kind, inner: cause}
}

func newConnErrorPeer(kind ConnKind, peer *Error) *ConnError {
	return &ConnError{Kind: kind, Peer: peer}
}

// SessionError is stored in a session's error slot once End (local or
// remote) terminates it.
type SessionError struct {
	RemoteErr *Error
	inner     error
}

func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: session ended: %s", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: session ended: %s", e.inner)
	}
	return "amqp: session ended"
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.inner
}

// LinkError is stored when a link's Detach (local or remote) terminates
// it. inner carries a local protocol violation; RemoteErr carries the
// peer's Detach error; both nil means the caller initiated a clean Close.
type LinkError struct {
	RemoteErr *Error
	inner     error
}

func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: link detached: %s", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: link detached: %s", e.inner)
	}
	return "amqp: link closed"
}

func (e *LinkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.inner
}

// isContextErr reports whether err is a context cancellation or deadline,
// used by the link/session waiters to distinguish "we gave up waiting"
// from a real protocol failure.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
