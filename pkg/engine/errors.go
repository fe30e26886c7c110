package engine

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted is returned when the engine refuses work because too
// many control operations are already in flight. Callers must queue or back
// off; the condition is not retried inside the client.
var ErrResourceExhausted = errors.New("engine: too many operations in flight")

// TransportError is a network or connection-level failure talking to the
// engine control API. Transport errors are retryable with bounded backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the engine understood the request and rejected it.
// Protocol errors are not retried; the handle is marked drifted and a full
// resync is scheduled instead.
type ProtocolError struct {
	Op     string
	Status int
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine rejected %s (status %d): %s", e.Op, e.Status, e.Detail)
}

// IsTransport reports whether err is a retryable transport failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is an engine rejection
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
