package kernelspec

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no spec is registered under a name.
	ErrNotFound = errors.New("kernel spec not found")

	// ErrInvalidSpec is returned when a spec cannot be launched as written.
	ErrInvalidSpec = errors.New("invalid kernel spec")
)

// ParseError reports a malformed kernel.json.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse kernel spec %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
