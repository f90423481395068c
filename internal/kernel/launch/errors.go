package launch

import (
	"errors"
	"fmt"
)

// Failure classes. A *LaunchError matches the sentinel of its Kind.
var (
	// ErrSpecMissing means the launch had no resolvable kernel spec.
	ErrSpecMissing = errors.New("kernel spec missing")

	// ErrSpawnFailure means the kernel process could not be started, or
	// exited before its channels were bound.
	ErrSpawnFailure = errors.New("kernel spawn failed")

	// ErrTransportBind means the kernel started but its channels could not
	// be bound.
	ErrTransportBind = errors.New("kernel transport bind failed")
)

var (
	// ErrEmptyName is returned by LaunchByName for an empty kernel name.
	ErrEmptyName = errors.New("launch by name requires a kernel name")

	// ErrNoHost is returned by LaunchByName when no host client is set.
	ErrNoHost = errors.New("no host client configured")

	// ErrProcessExited is wrapped when the kernel exits before it is ready.
	ErrProcessExited = errors.New("kernel process exited")
)

// Kind classifies a launch failure.
type Kind int

const (
	KindSpecMissing Kind = iota + 1
	KindSpawnFailure
	KindTransportBind
)

func (k Kind) String() string {
	switch k {
	case KindSpecMissing:
		return "spec missing"
	case KindSpawnFailure:
		return "spawn failure"
	case KindTransportBind:
		return "transport bind failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindSpecMissing:
		return ErrSpecMissing
	case KindSpawnFailure:
		return ErrSpawnFailure
	case KindTransportBind:
		return ErrTransportBind
	default:
		return nil
	}
}

// LaunchError describes a failed launch. Stderr holds the tail of anything
// the kernel wrote to stderr before failing.
type LaunchError struct {
	Kind     Kind
	SpecName string
	Stderr   string
	Err      error
}

func (e *LaunchError) Error() string {
	name := e.SpecName
	if name == "" {
		name = "kernel"
	}
	if e.Err == nil {
		return fmt.Sprintf("launch %s: %s", name, e.Kind)
	}
	return fmt.Sprintf("launch %s: %s: %v", name, e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's Kind.
func (e *LaunchError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}
