package launch

import (
	"errors"

	"github.com/dshills/nbkernel/internal/kernel/message"
)

// StatusLaunched is the execution status of a kernel that is up but has
// not reported a state yet.
const StatusLaunched = "launched"

// RuntimeState is the application-side projection of a launch stream. It
// is owned by the caller and changes only through Apply.
type RuntimeState struct {
	// Status is "" before launch, StatusLaunched once the kernel is ready,
	// then the last reported execution state.
	Status string

	SpecName     string
	Kernel       *Kernel
	LanguageInfo *message.LanguageInfo

	// Err is the launch or handshake failure, if any.
	Err error

	Terminated bool
	ExitCode   int
}

// Apply folds ev into the state.
func (s *RuntimeState) Apply(ev Event) {
	switch ev.Type {
	case EventLaunchSucceeded:
		s.Status = StatusLaunched
		s.Kernel = ev.Kernel
		s.SpecName = ev.Kernel.SpecName
		s.Err = nil
	case EventExecutionState:
		s.Status = string(ev.State)
	case EventLanguageInfo:
		s.LanguageInfo = ev.LanguageInfo
	case EventHandshakeFailed:
		s.Err = ev.Err
	case EventLaunchFailed:
		s.Err = ev.Err
		var lerr *LaunchError
		if errors.As(ev.Err, &lerr) && lerr.SpecName != "" {
			s.SpecName = lerr.SpecName
		}
	case EventTerminated:
		s.Terminated = true
		s.ExitCode = ev.ExitCode
		s.Status = string(message.ExecutionUnknown)
	}
}

// Ready reports whether the kernel is launched and not yet terminated.
func (s *RuntimeState) Ready() bool {
	return s.Kernel != nil && !s.Terminated
}
