package host

import "errors"

var (
	// ErrClosed is returned by a Stream whose connection has ended.
	ErrClosed = errors.New("host stream closed")

	// ErrBadEnvelope is returned for a line that is not a valid envelope.
	ErrBadEnvelope = errors.New("malformed host envelope")
)
