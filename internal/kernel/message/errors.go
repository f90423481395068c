package message

import "errors"

// Sentinel errors for decoding wire frames.
var (
	// ErrNoDelimiter is returned when the frame sequence lacks the <IDS|MSG> delimiter.
	ErrNoDelimiter = errors.New("message delimiter not found")

	// ErrShortMessage is returned when fewer than the required frames follow the delimiter.
	ErrShortMessage = errors.New("message has too few frames")

	// ErrBadSignature is returned when the HMAC signature does not match.
	ErrBadSignature = errors.New("message signature mismatch")
)
