package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/nbkernel/internal/host"
	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/handshake"
	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
	"github.com/dshills/nbkernel/internal/kernel/message"
	"github.com/dshills/nbkernel/internal/kernel/process"
	"github.com/dshills/nbkernel/internal/kernel/status"
)

// Defaults applied by New.
const (
	DefaultBindTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 60 * time.Second
	DefaultStderrTail       = 8 * 1024
	pingTimeout             = 5 * time.Second
)

// Phase is a state of the launch state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSpawning
	PhaseChannelsBinding
	PhaseReady
	PhaseTerminated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSpawning:
		return "spawning"
	case PhaseChannelsBinding:
		return "channels-binding"
	case PhaseReady:
		return "ready"
	case PhaseTerminated:
		return "terminated"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Request asks for one kernel launch.
type Request struct {
	Spec *kernelspec.Spec
	Cwd  string
}

// Recorder receives launch measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	LaunchFinished(result string, elapsed time.Duration)
	HandshakeFinished(elapsed time.Duration, err error)
	StatusChanged(state message.ExecutionState)
	KernelStarted()
	KernelStopped()
}

// Launch results passed to Recorder.LaunchFinished.
const (
	ResultSucceeded     = "succeeded"
	ResultSpawnFailure  = "spawn_failure"
	ResultTransportBind = "transport_bind"
)

type nopRecorder struct{}

func (nopRecorder) LaunchFinished(string, time.Duration) {}
func (nopRecorder) HandshakeFinished(time.Duration, error) {}
func (nopRecorder) StatusChanged(message.ExecutionState) {}
func (nopRecorder) KernelStarted() {}
func (nopRecorder) KernelStopped() {}

// Orchestrator drives kernel launches from spawn through termination.
//
// Each launch runs independently; an Orchestrator may run any number of
// launches concurrently.
type Orchestrator struct {
	supervisor *process.Supervisor
	binder     channels.Binder
	host       host.Client
	recorder   Recorder
	logger     *zap.Logger

	bindTimeout      time.Duration
	handshakeTimeout time.Duration
	stopGrace        time.Duration
	stderrTail       int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHost sets the host used by LaunchByName and for launch pings.
func WithHost(c host.Client) Option {
	return func(o *Orchestrator) {
		o.host = c
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithBindTimeout bounds channel binding. Zero disables the bound.
func WithBindTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.bindTimeout = d
	}
}

// WithHandshakeTimeout bounds the kernel_info handshake. Zero waits for as
// long as the kernel runs.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.handshakeTimeout = d
	}
}

// WithStopGrace sets the SIGTERM to SIGKILL grace used to reap a kernel
// whose channels could not be bound.
func WithStopGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stopGrace = d
	}
}

// WithStderrTail sets how many trailing stderr bytes a LaunchError keeps.
func WithStderrTail(n int) Option {
	return func(o *Orchestrator) {
		o.stderrTail = n
	}
}

// New creates an Orchestrator spawning through supervisor and binding
// channels with binder.
func New(supervisor *process.Supervisor, binder channels.Binder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		supervisor:       supervisor,
		binder:           binder,
		recorder:         nopRecorder{},
		logger:           zap.NewNop(),
		bindTimeout:      DefaultBindTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		stopGrace:        process.DefaultStopGrace,
		stderrTail:       DefaultStderrTail,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Launch starts a kernel for req and returns its event stream.
//
// A missing or invalid spec is rejected with a *LaunchError before any
// process work begins. Otherwise the stream carries raw output, at most one
// kernel-launch-succeeded followed by status and handshake events, and ends
// with exactly one kernel-launch-failed or kernel-terminated before it is
// closed. The caller must drain the stream until it closes.
//
// Cancelling ctx stops the kernel. Events not yet delivered are dropped,
// but the process is still reaped and its connection file removed before
// the stream closes.
func (o *Orchestrator) Launch(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Spec == nil {
		return nil, &LaunchError{Kind: KindSpecMissing, Err: errors.New("no kernel spec supplied")}
	}
	spec := *req.Spec
	if err := spec.Validate(); err != nil {
		return nil, &LaunchError{Kind: KindSpecMissing, SpecName: spec.Name, Err: err}
	}

	o.ping(spec)

	out := make(chan Event)
	go o.run(ctx, spec, req.Cwd, out)
	return out, nil
}

// LaunchByName resolves name through the host and launches it in cwd.
func (o *Orchestrator) LaunchByName(ctx context.Context, name, cwd string) (<-chan Event, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if o.host == nil {
		return nil, ErrNoHost
	}

	specs, err := o.host.KernelSpecs(ctx)
	if err != nil {
		return nil, fmt.Errorf("request kernel specs: %w", err)
	}
	spec, ok := specs[name]
	if !ok {
		return nil, &LaunchError{Kind: KindSpecMissing, SpecName: name, Err: kernelspec.ErrNotFound}
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return o.Launch(ctx, Request{Spec: &spec, Cwd: cwd})
}

// ping notifies the host without waiting for it.
func (o *Orchestrator) ping(spec kernelspec.Spec) {
	if o.host == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := o.host.Ping(ctx, spec); err != nil {
			o.logger.Debug("host ping failed", zap.String("kernel", spec.Name), zap.Error(err))
		}
	}()
}

type bindResult struct {
	set *channels.Set
	err error
}

// launchRun is the state of one launch.
type launchRun struct {
	o       *Orchestrator
	ctx     context.Context
	spec    kernelspec.Spec
	out     chan<- Event
	logger  *zap.Logger
	started time.Time
	stderr  *tail

	phase      Phase
	handle     *process.Handle
	kernel     *Kernel
	bindDone   chan bindResult
	cancelBind context.CancelFunc
	watchers   *errgroup.Group
}

func (o *Orchestrator) run(ctx context.Context, spec kernelspec.Spec, cwd string, out chan<- Event) {
	defer close(out)

	r := &launchRun{
		o:       o,
		ctx:     ctx,
		spec:    spec,
		out:     out,
		logger:  o.logger.With(zap.String("kernel", spec.Name)),
		started: time.Now(),
		stderr:  newTail(o.stderrTail),
		phase:   PhaseSpawning,
	}
	r.logger.Info("launching kernel", zap.String("cwd", cwd), zap.Strings("argv", spec.Argv))

	// The spawn stream is drained to the end on every path: its pipe
	// readers block until their events are consumed.
	events := o.supervisor.Spawn(ctx, spec, cwd)
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.onProcessEvent(ev)
		case res := <-r.bindDone:
			r.onBound(res)
		}
	}
}

func (r *launchRun) onProcessEvent(ev process.Event) {
	switch ev.Kind {
	case process.EventStdout:
		r.emit(Event{Type: EventRawStdout, Text: ev.Text})

	case process.EventStderr:
		r.stderr.Write([]byte(ev.Text))
		r.emit(Event{Type: EventRawStderr, Text: ev.Text})

	case process.EventSpawnError:
		r.fail(KindSpawnFailure, ResultSpawnFailure, ev.Err)

	case process.EventReady:
		r.handle = ev.Handle
		r.enter(PhaseChannelsBinding)
		r.bind()

	case process.EventTerminated:
		r.onTerminated(ev)
	}
}

// bind creates the channel set in the background so output keeps flowing
// while the kernel starts.
func (r *launchRun) bind() {
	var ctx context.Context
	if r.o.bindTimeout > 0 {
		ctx, r.cancelBind = context.WithTimeout(r.ctx, r.o.bindTimeout)
	} else {
		ctx, r.cancelBind = context.WithCancel(r.ctx)
	}
	r.bindDone = make(chan bindResult, 1)

	info := r.handle.Connection
	go func() {
		set, err := r.o.binder.Bind(ctx, info)
		r.bindDone <- bindResult{set: set, err: err}
	}()
}

func (r *launchRun) onBound(res bindResult) {
	r.bindDone = nil
	r.cancelBind()

	if res.err != nil {
		r.fail(KindTransportBind, ResultTransportBind, res.err)
		// Reap asynchronously: the process only finishes once its output
		// has been consumed by the run loop.
		handle, grace := r.handle, r.o.stopGrace
		go func() {
			if err := handle.Stop(grace); err != nil {
				r.logger.Warn("stop unbound kernel", zap.Error(err))
			}
		}()
		return
	}

	r.kernel = &Kernel{
		ID:             r.handle.ID,
		SpecName:       r.spec.Name,
		Spec:           r.spec,
		Channels:       res.set,
		Process:        r.handle,
		Connection:     r.handle.Connection,
		ConnectionFile: r.handle.ConnectionFile,
	}
	r.enter(PhaseReady)
	r.o.recorder.LaunchFinished(ResultSucceeded, time.Since(r.started))
	r.o.recorder.KernelStarted()
	r.logger.Info("kernel ready", zap.Int("pid", r.kernel.PID()), zap.Duration("elapsed", time.Since(r.started)))

	r.emit(Event{Type: EventLaunchSucceeded, Kernel: r.kernel})
	r.startWatchers()
}

// startWatchers attaches the status projector and the handshake to the
// channel set. Both end when the set closes.
func (r *launchRun) startWatchers() {
	set := r.kernel.Channels
	g, ctx := errgroup.WithContext(r.ctx)
	r.watchers = g

	// Subscribe before the handshake is sent so the statuses published
	// around kernel_info are seen.
	states := status.States(ctx, set)

	g.Go(func() error {
		for st := range states {
			r.o.recorder.StatusChanged(st)
			r.emitCtx(ctx, Event{Type: EventExecutionState, State: st})
		}
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		info, err := handshake.AcquireInfo(ctx, set, handshake.WithTimeout(r.o.handshakeTimeout))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channels.ErrClosed) {
				return nil
			}
			r.o.recorder.HandshakeFinished(time.Since(start), err)
			r.logger.Warn("kernel handshake failed", zap.Error(err))
			r.emitCtx(ctx, Event{Type: EventHandshakeFailed, Err: err})
			return nil
		}
		r.o.recorder.HandshakeFinished(time.Since(start), nil)
		r.logger.Debug("kernel language info acquired", zap.String("language", info.Name), zap.String("version", info.Version))
		r.emitCtx(ctx, Event{Type: EventLanguageInfo, LanguageInfo: info})
		return nil
	})
}

func (r *launchRun) onTerminated(ev process.Event) {
	exitCode := -1
	if ev.Handle != nil {
		exitCode = ev.Handle.ExitCode()
	}

	switch r.phase {
	case PhaseChannelsBinding:
		r.cancelBind()
		if res := <-r.bindDone; res.set != nil {
			_ = res.set.Close()
		}
		r.bindDone = nil
		err := fmt.Errorf("%w with code %d before its channels were bound", ErrProcessExited, exitCode)
		if ev.Err != nil {
			err = fmt.Errorf("%w: %v", err, ev.Err)
		}
		r.fail(KindSpawnFailure, ResultSpawnFailure, err)

	case PhaseReady:
		// Closing the set ends the watchers after they deliver what the
		// kernel already sent.
		_ = r.kernel.Channels.Close()
		_ = r.watchers.Wait()
		r.o.recorder.KernelStopped()
		r.enter(PhaseTerminated)
		r.logger.Info("kernel terminated", zap.Int("exit_code", exitCode), zap.Error(ev.Err))
		r.emit(Event{Type: EventTerminated, Kernel: r.kernel, ExitCode: exitCode, Err: ev.Err})

	case PhaseFailed:
		r.logger.Debug("unbound kernel reaped", zap.Int("exit_code", exitCode))
	}
}

func (r *launchRun) fail(kind Kind, result string, err error) {
	r.enter(PhaseFailed)
	r.o.recorder.LaunchFinished(result, time.Since(r.started))
	lerr := &LaunchError{Kind: kind, SpecName: r.spec.Name, Stderr: r.stderr.String(), Err: err}
	r.logger.Warn("kernel launch failed", zap.Error(lerr))
	r.emit(Event{Type: EventLaunchFailed, Err: lerr})
}

func (r *launchRun) enter(p Phase) {
	r.logger.Debug("launch phase", zap.Stringer("from", r.phase), zap.Stringer("to", p))
	r.phase = p
}

func (r *launchRun) emit(ev Event) {
	r.emitCtx(r.ctx, ev)
}

// emitCtx delivers ev unless ctx is done, in which case ev is dropped.
func (r *launchRun) emitCtx(ctx context.Context, ev Event) {
	select {
	case r.out <- ev:
	case <-ctx.Done():
	}
}
