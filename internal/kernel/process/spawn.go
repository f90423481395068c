package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
)

// EventKind identifies a spawn stream event.
type EventKind int

const (
	// EventStdout carries a raw stdout chunk.
	EventStdout EventKind = iota
	// EventStderr carries a raw stderr chunk.
	EventStderr
	// EventReady carries the live handle once the process has started.
	EventReady
	// EventTerminated reports that a started process has exited. Terminal.
	EventTerminated
	// EventSpawnError reports that the process could not be started. Terminal.
	EventSpawnError
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventReady:
		return "ready"
	case EventTerminated:
		return "terminated"
	case EventSpawnError:
		return "spawn-error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one item of a spawn stream.
type Event struct {
	Kind EventKind

	// Text is the decoded chunk for stdout and stderr events.
	Text string

	// Handle is set for ready and terminated events.
	Handle *Handle

	// Err is the start failure for spawn errors, and the wait error (nil
	// on a clean exit) for terminated events.
	Err error
}

// Handle is a live kernel process together with its connection descriptor.
// The connection file is removed when the process exits.
type Handle struct {
	*Process

	Spec           kernelspec.Spec
	Connection     connection.Info
	ConnectionFile string
}

// spawnBuffer decouples pipe readers from a slow consumer.
const spawnBuffer = 64

// Spawn launches a kernel for spec in cwd and returns its event stream.
//
// The stream yields stdout and stderr chunks, one ready event if the process
// starts, and ends with exactly one terminal event (spawn-error or
// terminated) before it is closed. The consumer must drain the stream.
// Cancelling ctx stops the process; the terminated event still follows.
func (s *Supervisor) Spawn(ctx context.Context, spec kernelspec.Spec, cwd string) <-chan Event {
	events := make(chan Event, spawnBuffer)
	go s.spawn(ctx, spec, cwd, events)
	return events
}

func (s *Supervisor) spawn(ctx context.Context, spec kernelspec.Spec, cwd string, events chan<- Event) {
	defer close(events)

	fail := func(err error) {
		s.logger.Warn("kernel spawn failed", zap.String("kernel", spec.Name), zap.Error(err))
		events <- Event{Kind: EventSpawnError, Err: err}
	}

	if err := spec.Validate(); err != nil {
		fail(err)
		return
	}
	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}

	opts := s.connOpts
	opts.KernelName = spec.Name
	info, err := connection.New(opts)
	if err != nil {
		fail(fmt.Errorf("create connection info: %w", err))
		return
	}

	path, err := connection.Write(s.connDir, info)
	if err != nil {
		fail(err)
		return
	}

	argv := spec.Command(path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = spec.Environ(os.Environ())

	out := func(stream Stream, chunk []byte) {
		kind := EventStdout
		if stream == Stderr {
			kind = EventStderr
		}
		events <- Event{Kind: kind, Text: string(chunk)}
	}

	proc, err := s.Start(spec.Name, cmd, out)
	if err != nil {
		_ = connection.Remove(path)
		fail(fmt.Errorf("spawn %s: %w", argv[0], err))
		return
	}

	handle := &Handle{
		Process:        proc,
		Spec:           spec,
		Connection:     info,
		ConnectionFile: path,
	}
	s.logger.Info("kernel process started",
		zap.String("kernel", spec.Name),
		zap.Int("pid", proc.PID()),
		zap.String("connection_file", path))
	events <- Event{Kind: EventReady, Handle: handle}

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Debug("spawn cancelled, stopping kernel", zap.String("kernel", spec.Name))
			_ = proc.Stop(s.stopGrace)
		case <-proc.Done():
		}
	}()

	<-proc.Done()
	if err := connection.Remove(path); err != nil {
		s.logger.Warn("connection file cleanup failed", zap.String("path", path), zap.Error(err))
	}
	events <- Event{Kind: EventTerminated, Handle: handle, Err: proc.ExitError()}
}
