package delivery

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Sentinel errors for delivery state.
var (
	// ErrNotConnected indicates the sink has no live connection and the
	// dial attempt failed.
	ErrNotConnected = errors.New("sensor not connected")

	// ErrPeerClosed indicates the sensor closed the connection mid-send.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrQueueFull indicates a bounded sink queue rejected the event.
	ErrQueueFull = errors.New("delivery queue full")
)

// NotConnectedError carries the endpoint that could not be reached.
type NotConnectedError struct {
	Endpoint string
	Err      error
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("sensor not connected at %s: %v", e.Endpoint, e.Err)
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected
}

func (e *NotConnectedError) Unwrap() error { return e.Err }

// isPeerClosed classifies transport errors that mean the remote end went
// away: broken pipe, connection reset, or a plain EOF from the peer.
func isPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

// IsNotConnected checks whether the error indicates an unreachable sensor.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
