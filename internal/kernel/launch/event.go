package launch

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
	"github.com/dshills/nbkernel/internal/kernel/message"
	"github.com/dshills/nbkernel/internal/kernel/process"
)

// EventType names a launch event.
type EventType string

const (
	EventRawStdout       EventType = "raw-stdout"
	EventRawStderr       EventType = "raw-stderr"
	EventLaunchSucceeded EventType = "kernel-launch-succeeded"
	EventLaunchFailed    EventType = "kernel-launch-failed"
	EventExecutionState  EventType = "execution-state-changed"
	EventLanguageInfo    EventType = "language-info-acquired"
	EventHandshakeFailed EventType = "handshake-failed"
	EventTerminated      EventType = "kernel-terminated"
)

// Event is one item of a launch stream. Which fields are set depends on
// Type.
type Event struct {
	Type EventType

	// Text is the raw chunk for raw-stdout and raw-stderr.
	Text string

	// Kernel is set on kernel-launch-succeeded and kernel-terminated.
	Kernel *Kernel

	// State is set on execution-state-changed.
	State message.ExecutionState

	// LanguageInfo is set on language-info-acquired.
	LanguageInfo *message.LanguageInfo

	// Err is a *LaunchError on kernel-launch-failed, the handshake error on
	// handshake-failed and the process wait error on kernel-terminated.
	Err error

	// ExitCode is the process exit code on kernel-terminated.
	ExitCode int
}

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventLaunchFailed || e.Type == EventTerminated
}

func (e Event) String() string {
	switch e.Type {
	case EventRawStdout, EventRawStderr:
		return fmt.Sprintf("%s %q", e.Type, e.Text)
	case EventLaunchSucceeded:
		return fmt.Sprintf("%s %s pid=%d", e.Type, e.Kernel.SpecName, e.Kernel.PID())
	case EventExecutionState:
		return fmt.Sprintf("%s %s", e.Type, e.State)
	case EventLanguageInfo:
		return fmt.Sprintf("%s %s %s", e.Type, e.LanguageInfo.Name, e.LanguageInfo.Version)
	case EventTerminated:
		return fmt.Sprintf("%s code=%d", e.Type, e.ExitCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Type, e.Err)
		}
		return string(e.Type)
	}
}

// Kernel is a launched kernel: its process, connection descriptor and
// bound channel set.
type Kernel struct {
	// ID identifies the kernel process within its supervisor.
	ID string

	SpecName string
	Spec     kernelspec.Spec

	// Channels is shared by every consumer of the kernel. The orchestrator
	// closes it when the process terminates.
	Channels *channels.Set

	Process        *process.Handle
	Connection     connection.Info
	ConnectionFile string
}

// PID returns the kernel process id.
func (k *Kernel) PID() int {
	return k.Process.PID()
}

// Done is closed once the kernel process has exited.
func (k *Kernel) Done() <-chan struct{} {
	return k.Process.Done()
}

// Interrupt sends SIGINT to the kernel process.
func (k *Kernel) Interrupt() error {
	return k.Process.Interrupt()
}

// Stop sends SIGTERM, waits up to grace, then sends SIGKILL. It returns once
// the process has been reaped. The launch stream then ends with
// kernel-terminated.
func (k *Kernel) Stop(grace time.Duration) error {
	return k.Process.Stop(grace)
}

// Shutdown asks the kernel to exit with a shutdown_request on the control
// channel, then stops the process if it has not exited within grace.
func (k *Kernel) Shutdown(ctx context.Context, grace time.Duration) error {
	req, err := k.Channels.NewMessage(message.TypeShutdownRequest, map[string]any{"restart": false})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if _, err := k.Channels.Call(callCtx, message.Control, req, message.TypeShutdownReply); err != nil && ctx.Err() != nil {
		return err
	}

	select {
	case <-k.Done():
		return nil
	case <-callCtx.Done():
	}
	return k.Stop(grace)
}
