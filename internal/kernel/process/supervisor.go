package process

import (
	"errors"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/nbkernel/internal/kernel/connection"
)

// DefaultStopGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultStopGrace = 5 * time.Second

// ErrSupervisorShutdown is returned by Start once Shutdown has been called.
var ErrSupervisorShutdown = errors.New("supervisor is shutting down")

// Supervisor tracks the kernel processes it started until they are reaped,
// and stops whatever is left on Shutdown.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu      sync.Mutex
	running map[string]*Process
	closed  bool
	reapers sync.WaitGroup

	connOpts  connection.Options
	connDir   string
	stopGrace time.Duration
	logger    *zap.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithConnectionOptions sets how connection descriptors are generated for
// spawned kernels. KernelName is filled in from the spec.
func WithConnectionOptions(opts connection.Options) SupervisorOption {
	return func(s *Supervisor) {
		s.connOpts = opts
	}
}

// WithConnectionDir sets where connection files are written. Empty means
// the system temp dir.
func WithConnectionDir(dir string) SupervisorOption {
	return func(s *Supervisor) {
		s.connDir = dir
	}
}

// WithStopGrace sets the SIGTERM to SIGKILL grace used when a spawn is
// cancelled.
func WithStopGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stopGrace = d
	}
}

// WithLogger sets the supervisor logger.
func WithLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		running:   make(map[string]*Process),
		stopGrace: DefaultStopGrace,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts cmd and tracks it until it is reaped. Output may be nil to
// discard stdout and stderr. A process that fails to start is not tracked.
func (s *Supervisor) Start(name string, cmd *exec.Cmd, out Output) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorShutdown
	}

	proc, err := startProcess(uuid.NewString(), name, cmd, out)
	if err != nil {
		return nil, err
	}
	s.running[proc.ID] = proc
	s.logger.Debug("process started", zap.String("id", proc.ID), zap.String("name", name), zap.Int("pid", proc.PID()))

	s.reapers.Add(1)
	go s.reap(proc)
	return proc, nil
}

func (s *Supervisor) reap(proc *Process) {
	defer s.reapers.Done()
	<-proc.Done()

	st, _ := proc.Status()
	s.logger.Debug("process reaped",
		zap.String("id", proc.ID),
		zap.String("name", proc.Name),
		zap.Stringer("status", st),
		zap.Duration("uptime", proc.Uptime()))

	s.mu.Lock()
	delete(s.running, proc.ID)
	s.mu.Unlock()
}

// Get returns the tracked process with id, or nil.
func (s *Supervisor) Get(id string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// List returns the tracked processes, oldest first.
func (s *Supervisor) List() []*Process {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.running))
	for _, p := range s.running {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	sort.Slice(procs, func(i, j int) bool { return procs[i].Started.Before(procs[j].Started) })
	return procs
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown refuses new processes, stops every tracked one with the given
// grace, and returns once all of them have been reaped. Later calls return
// immediately.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range s.List() {
		p := p
		g.Go(func() error {
			return p.Stop(grace)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("process stop failed during shutdown", zap.Error(err))
	}
	s.reapers.Wait()
}

// Closed reports whether Shutdown has been called.
func (s *Supervisor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
