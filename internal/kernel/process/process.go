package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrExited is returned when signalling a process that has already exited.
var ErrExited = errors.New("process already exited")

// Stream identifies a captured output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Output receives raw chunks as they are read from a process stream. Chunks
// follow pipe delivery granularity and are not line framed. The chunk is
// only valid for the duration of the call.
type Output func(stream Stream, chunk []byte)

// chunkSize bounds a single read from an output pipe.
const chunkSize = 32 << 10

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was killed by a signal or
	// could not be waited on.
	Code int

	// Signal is the terminating signal, if any.
	Signal syscall.Signal

	// Err is the error returned by Wait; nil on a clean exit.
	Err error
}

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		return "signal " + s.Signal.String()
	}
	return fmt.Sprintf("exit %d", s.Code)
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	st := ExitStatus{Code: -1, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		st.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal()
		}
	}
	return st
}

// drainGrace bounds how long output is drained once the process has
// exited. Descendants that inherited the pipes can keep them open long after
// the process itself is gone.
const drainGrace = 500 * time.Millisecond

// Process is a started child process. Processes are created by a
// Supervisor; stdin is not connected and both output pipes are drained
// into the Output given at start.
//
// A Process is done once it has been reaped and its output drained, or
// drainGrace after it was reaped if the pipes are still held open.
type Process struct {
	ID      string
	Name    string
	Started time.Time

	cmd  *exec.Cmd
	done chan struct{}

	// status is written once, before done is closed.
	status ExitStatus
}

// startProcess starts cmd and begins draining its output.
func startProcess(id, name string, cmd *exec.Cmd, out Output) (*Process, error) {
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()

	// Only the child keeps the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &Process{
		ID:      id,
		Name:    name,
		Started: time.Now(),
		cmd:     cmd,
		done:    make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, Stdout, stdout, out)
	go pump(&pumps, Stderr, stderr, out)

	go func() {
		status := exitStatus(cmd.Wait())

		drained := make(chan struct{})
		go func() {
			pumps.Wait()
			close(drained)
		}()
		timer := time.NewTimer(drainGrace)
		select {
		case <-drained:
		case <-timer.C:
		}
		timer.Stop()

		// Closing the read ends unblocks pumps still waiting on a
		// descendant. No output is delivered after done closes.
		stdout.Close()
		stderr.Close()
		<-drained

		p.status = status
		close(p.done)
	}()
	return p, nil
}

func pump(wg *sync.WaitGroup, stream Stream, r io.Reader, out Output) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && out != nil {
			out(stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Status returns the exit status. ok is false while the process runs.
func (p *Process) Status() (st ExitStatus, ok bool) {
	if !p.Exited() {
		return ExitStatus{}, false
	}
	return p.status, true
}

// ExitCode returns the exit code, or -1 while the process runs.
func (p *Process) ExitCode() int {
	st, ok := p.Status()
	if !ok {
		return -1
	}
	return st.Code
}

// ExitError returns the Wait error; nil while running or after a clean
// exit.
func (p *Process) ExitError() error {
	st, _ := p.Status()
	return st.Err
}

// Uptime returns how long the process has been running, or ran for.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.Started)
}

// Signal sends sig to the process. It returns ErrExited once the process
// has exited.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return ErrExited
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrExited
		}
		return err
	}
	return nil
}

// Interrupt sends SIGINT.
func (p *Process) Interrupt() error {
	return p.Signal(syscall.SIGINT)
}

// Stop sends SIGTERM, waits up to grace for the process to exit, then sends
// SIGKILL. It returns once the process has been reaped. Stopping an exited
// process is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrExited) {
		return fmt.Errorf("terminate %s: %w", p.ID, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrExited) {
		return fmt.Errorf("kill %s: %w", p.ID, err)
	}
	<-p.done
	return nil
}
