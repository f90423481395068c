package channels

import (
	"errors"
	"fmt"

	"github.com/dshills/nbkernel/internal/kernel/message"
)

var (
	// ErrClosed is returned by operations on a closed Set.
	ErrClosed = errors.New("channel set closed")

	// ErrUnknownChannel is returned when publishing to a channel the Set
	// does not carry.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrRequestOutstanding is returned by an exclusive Call while another
	// request of the same type is still waiting for its reply.
	ErrRequestOutstanding = errors.New("request of this type already outstanding")

	// ErrBind is the class of BindError.
	ErrBind = errors.New("channel bind failed")

	// ErrHeartbeat is returned when the heartbeat echo does not match.
	ErrHeartbeat = errors.New("heartbeat mismatch")
)

// BindError reports a channel that could not be bound.
type BindError struct {
	Channel  message.Channel
	Endpoint string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s channel at %s: %v", e.Channel, e.Endpoint, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Is reports ErrBind as a match.
func (e *BindError) Is(target error) bool {
	return target == ErrBind
}

// TransportError reports a socket failure after the Set was bound. It is
// the value of Set.Err when the Set closed itself.
type TransportError struct {
	Channel message.Channel
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
