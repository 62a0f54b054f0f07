package connection

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connection errors.
type ErrorKind int

const (
	KindDecode       ErrorKind = iota // Malformed inbound frame, dropped
	KindPeerMismatch                  // Inbound message addressed to another peer, dropped
	KindExecution                     // Execute request failed, reported in "executed"
	KindSetup                         // Connection could not be established
	KindDisconnected                  // Transport closed or Disconnect called
)

var (
	// ErrExecutionNotAllowed refuses execute requests on connections without execution rights.
	ErrExecutionNotAllowed = errors.New("execution is not allowed")
	// ErrNoExecutor is returned when execution is allowed but no executor is configured.
	ErrNoExecutor = errors.New("no executor configured")
)

// Error is the error type of the connection layer.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	var s string
	switch e.Kind {
	case KindDecode:
		s = fmt.Sprintf("decode error: %s", e.Message)
	case KindPeerMismatch:
		s = fmt.Sprintf("peer id mismatch: %s", e.Message)
	case KindExecution:
		s = fmt.Sprintf("execution error: %s", e.Message)
	case KindSetup:
		s = fmt.Sprintf("setup error: %s", e.Message)
	case KindDisconnected:
		s = fmt.Sprintf("disconnected: %s", e.Message)
	default:
		s = fmt.Sprintf("unknown error: %s", e.Message)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
