package messenger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is the default cause of a messenger closed without one.
	ErrClosed = errors.New("messenger closed")
	// ErrPeerClosed is reported when the channel ends without an error.
	ErrPeerClosed = errors.New("peer closed the channel")
	// ErrReadyTimeout is reported when the peer's Ready does not arrive in time.
	ErrReadyTimeout = errors.New("peer did not signal ready in time")
	// ErrNotReady wraps the readiness failure for sends that can never be transmitted.
	ErrNotReady = errors.New("peer is not ready")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("request timed out")
	// ErrProtocolViolation matches every *ProtocolError.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("messenger already connected")
)

// TimeoutError is returned by Send when no reply arrived within the timeout.
type TimeoutError struct {
	ID      uint64
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %s", e.ID, e.Action, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError is the failure the peer reported with an ErrorAck.
type RemoteError struct {
	ID      uint64
	Action  string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string { return e.Message }

// ProtocolError describes a fatal violation of the envelope protocol.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol violation: " + e.Reason }

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

// StackTracer is implemented by errors that carry a stack trace worth
// forwarding to the peer.
type StackTracer interface {
	StackTrace() string
}

// PanicError is the error a recovered handler panic is reported as.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) StackTrace() string { return e.Stack }

// stackOf returns the first stack trace found in err's chain.
func stackOf(err error) string {
	var st StackTracer
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Stack
	}
	return ""
}
