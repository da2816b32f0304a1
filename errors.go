package amqp

import (
	"errors"
	"fmt"

	"github.com/thornwright/amqp1/internal/encoding"
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

	// Transaction Errors
	ErrCondTransactionUnknownID        ErrCond = "amqp:transaction:unknown-id"
	ErrCondTransactionRollback         ErrCond = "amqp:transaction:rollback"
	ErrCondTransactionTimeout          ErrCond = "amqp:transaction:timeout"
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

	// ErrConnClosed is returned by Client and Session operations
	// performed after Client.Close() has been called.
	ErrConnClosed = errors.New("amqp: connection closed")

	// ErrTimeout is not returned by any operation in this package: an
	// operation whose ctx expires before it completes returns ctx.Err()
	// (context.DeadlineExceeded or context.Canceled).
	ErrTimeout = errors.New("amqp: timeout waiting for response")
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

func (c *ConnectionError) Unwrap() error {
	return c.inner
}

// SessionError is propagated to a Session's Senders/Receivers when the
// session has ended, carrying the AMQP error (if any) from the End
// performative that caused it.
type SessionError struct {
	RemoteErr *Error
}

func (e *SessionError) Error() string {
	if e.RemoteErr == nil {
		return "amqp: session closed"
	}
	return fmt.Sprintf("amqp: session ended, reason: %+v", e.RemoteErr)
}

// TransactionError is returned by TransactionController.Declare and
// Discharge when the coordinator rejects the request.
type TransactionError struct {
	Cond ErrCond
	Err  *Error
}

func (e *TransactionError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Cond)
}
