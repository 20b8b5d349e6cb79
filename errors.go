package extprocmux

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies the errors that can terminate a transaction or a
// stream handle.
type ErrorKind int

const (
	// KindTransportFailure means the underlying stream broke while the
	// transaction was in flight (or could not be opened at all).
	KindTransportFailure ErrorKind = iota + 1
	// KindProtocolViolation means a response arrived that could not be matched
	// to any outstanding request, nor to a transaction being drained. It is
	// fatal to the stream handle on which it was observed.
	KindProtocolViolation
	// KindPolicyExhaustion means a transaction was routed to a handle that was
	// no longer accepting transactions. The multiplexer never does this.
	KindPolicyExhaustion
	// KindProducerFailure means the server's response producer failed to
	// produce an answer. Servers report it on the wire as an immediate
	// response, so clients see it as a normal (failed) answer.
	KindProducerFailure
	// KindAborted means the caller detached from the transaction before it
	// completed.
	KindAborted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportFailure:
		return "transport failure"
	case KindProtocolViolation:
		return "protocol violation"
	case KindPolicyExhaustion:
		return "policy exhaustion"
	case KindProducerFailure:
		return "producer failure"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) code() codes.Code {
	switch k {
	case KindTransportFailure:
		return codes.Unavailable
	case KindPolicyExhaustion:
		return codes.FailedPrecondition
	case KindAborted:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// Error is the error reported for a transaction that did not complete. Use
// errors.Is with the Err* sentinels in this package to test its kind.
type Error struct {
	Kind ErrorKind
	// HandleID identifies the stream handle on which the error occurred. It
	// is zero if the transaction never reached a handle.
	HandleID uint64
	// Err is the underlying cause, if any.
	Err error
}

var (
	ErrTransportFailure  = &Error{Kind: KindTransportFailure}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrPolicyExhausted   = &Error{Kind: KindPolicyExhaustion}
	ErrProducerFailure   = &Error{Kind: KindProducerFailure}
	ErrAborted           = &Error{Kind: KindAborted}
)

func (e *Error) Error() string {
	var prefix string
	if e.HandleID != 0 {
		prefix = fmt.Sprintf("stream handle %d: ", e.HandleID)
	}
	if e.Err == nil {
		return prefix + e.Kind.String()
	}
	return fmt.Sprintf("%s%s: %v", prefix, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. A target with a
// non-nil cause or handle ID must also match those.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.HandleID != 0 && t.HandleID != e.HandleID {
		return false
	}
	return t.Err == nil || errors.Is(e.Err, t.Err)
}

// GRPCStatus allows the error to be used with status.FromError and
// status.Code.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.code(), e.Error())
}

func transportFailure(handleID uint64, err error) *Error {
	return &Error{Kind: KindTransportFailure, HandleID: handleID, Err: err}
}

func protocolViolation(handleID uint64, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocolViolation, HandleID: handleID, Err: fmt.Errorf(format, args...)}
}

func aborted(handleID uint64, cause error) *Error {
	switch cause {
	case context.DeadlineExceeded:
		cause = status.Error(codes.DeadlineExceeded, cause.Error())
	case context.Canceled:
		cause = status.Error(codes.Canceled, cause.Error())
	}
	return &Error{Kind: KindAborted, HandleID: handleID, Err: cause}
}
