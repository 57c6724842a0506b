package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/wirerail/amqp10/internal/encoding"
)

// ErrCond is an AMQP defined error condition.
// See http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transport-v1.0-os.html#type-amqp-error for info on their meaning.
type ErrCond = encoding.ErrCond

// Error Conditions
const (
	// AMQP Errors
	ErrCondInternalError         ErrCond = "amqp:internal-error"
	ErrCondNotFound              ErrCond = "amqp:not-found"
	ErrCondUnauthorizedAccess    ErrCond = "amqp:unauthorized-access"
	ErrCondDecodeError           ErrCond = "amqp:decode-error"
	ErrCondResourceLimitExceeded ErrCond = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed            ErrCond = "amqp:not-allowed"
	ErrCondInvalidField          ErrCond = "amqp:invalid-field"
	ErrCondNotImplemented        ErrCond = "amqp:not-implemented"
	ErrCondResourceLocked        ErrCond = "amqp:resource-locked"
	ErrCondPreconditionFailed    ErrCond = "amqp:precondition-failed"
	ErrCondResourceDeleted       ErrCond = "amqp:resource-deleted"
	ErrCondIllegalState          ErrCond = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall     ErrCond = "amqp:frame-size-too-small"

	// Connection Errors
	ErrCondConnectionForced   ErrCond = "amqp:connection:forced"
	ErrCondFramingError       ErrCond = "amqp:connection:framing-error"
	ErrCondConnectionRedirect ErrCond = "amqp:connection:redirect"

	// Session Errors
	ErrCondWindowViolation  ErrCond = "amqp:session:window-violation"
	ErrCondErrantLink       ErrCond = "amqp:session:errant-link"
	ErrCondHandleInUse      ErrCond = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle ErrCond = "amqp:session:unattached-handle"

	// Link Errors
	ErrCondDetachForced          ErrCond = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded ErrCond = "amqp:link:transfer-limit-exceeded"
	ErrCondMessageSizeExceeded   ErrCond = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect          ErrCond = "amqp:link:redirect"
	ErrCondStolen                ErrCond = "amqp:link:stolen"
)

type Error = encoding.Error

// DetachError is returned by a link (Receiver/Sender) when a detach frame is received.
//
// RemoteError will be nil if the link was detached gracefully.
type DetachError struct {
	RemoteError *Error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("link detached, reason: %+v", e.RemoteError)
}

// Errors
var (
	// ErrSessionClosed is propagated to Sender/Receivers
	// when Session.Close() is called.
	ErrSessionClosed = errors.New("amqp: session closed")

	// ErrLinkClosed is returned by send and receive operations when
	// Sender.Close() or Receiver.Close() are called.
	ErrLinkClosed = errors.New("amqp: link closed")
)

// ConnectionError is propagated to Session and Senders/Receivers
// when the connection has been closed or is no longer functional.
type ConnectionError struct {
	inner error
}

func (c *ConnectionError) Error() string {
	if c.inner == nil {
		return "amqp: connection closed"
	}
	return c.inner.Error()
}

// SessionError is propagated to Senders/Receivers when the session has
// ended, either gracefully (RemoteErr nil) or with a peer-supplied
// condition.
type SessionError struct {
	RemoteErr *Error
	inner     error
}

func (e *SessionError) Error() string {
	if e.inner != nil {
		return e.inner.Error()
	}
	if e.RemoteErr == nil {
		return "amqp: session closed"
	}
	return fmt.Sprintf("amqp: session ended, reason: %+v", e.RemoteErr)
}

func (e *SessionError) Unwrap() error {
	return e.inner
}

// ErrIdleTimeout is returned when the peer fails to emit any frame
// (including an empty heartbeat frame) within the negotiated idle-timeout.
var ErrIdleTimeout = errors.New("amqp: connection idle timeout")

// ErrTransactionMismatch is returned when a Disposition names a
// transaction-id that does not match the transaction under which a
// delivery was sent.
var ErrTransactionMismatch = errors.New("amqp: transaction id mismatch")

// ErrNonTerminalDeliveryState is returned when a terminal outcome was
// expected but a non-terminal delivery-state (Received) was observed.
var ErrNonTerminalDeliveryState = errors.New("amqp: non-terminal delivery state")

// ErrIllegalDeliveryState is returned when a delivery-state unsupported
// for the link's role/settlement-mode combination is encountered.
var ErrIllegalDeliveryState = errors.New("amqp: illegal delivery state")

// isContextErr reports whether err originates from ctx's own
// cancellation/deadline rather than from protocol or transport failure.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
