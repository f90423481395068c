package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
)

// maxLine bounds a single envelope.
const maxLine = 4 << 20

// Stream is a Client that exchanges newline-delimited JSON envelopes with a
// host over r and w.
//
// Replies carry no request id, so concurrent KernelSpecs calls are answered
// in the order they were sent.
//
// Writes go through a single writer goroutine so callers can give up on a
// host that stopped reading. An abandoned envelope may still be written
// later; the goroutine stays blocked in w.Write until w returns.
type Stream struct {
	w      io.Writer
	writes chan write
	logger *zap.Logger

	mu      sync.Mutex
	waiters []chan kernelspec.Specs
	closed  bool
	err     error
	done    chan struct{}
}

// write is one envelope handed to the writer goroutine.
type write struct {
	channel string
	data    []byte
	errc    chan error
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamLogger sets the stream logger.
func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(s *Stream) {
		s.logger = l
	}
}

// NewStream starts reading envelopes from r. The stream ends when r
// returns an error, including io.EOF.
func NewStream(r io.Reader, w io.Writer, opts ...StreamOption) *Stream {
	s := &Stream{
		w:      w,
		writes: make(chan write),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop(r)
	go s.writeLoop()
	return s
}

// KernelSpecs sends kernel_specs_request and waits for the next
// kernel_specs_reply.
func (s *Stream) KernelSpecs(ctx context.Context) (kernelspec.Specs, error) {
	wait := make(chan kernelspec.Specs, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.closedErr()
	}
	s.waiters = append(s.waiters, wait)
	s.mu.Unlock()

	if err := s.send(ctx, Envelope{Channel: ChannelKernelSpecsRequest}); err != nil {
		s.dropWaiter(wait)
		return nil, err
	}

	select {
	case specs := <-wait:
		return specs, nil
	case <-ctx.Done():
		s.dropWaiter(wait)
		return nil, ctx.Err()
	case <-s.done:
		select {
		case specs := <-wait:
			return specs, nil
		default:
		}
		return nil, s.closedErr()
	}
}

// Ping sends a ping:kernel envelope carrying spec. It returns ctx.Err() if
// the host does not take the envelope before ctx is done.
func (s *Stream) Ping(ctx context.Context, spec kernelspec.Spec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}
	return s.send(ctx, Envelope{Channel: ChannelPing, Payload: payload})
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) send(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s.closedErr()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req := write{channel: env.Channel, data: append(data, '\n'), errc: make(chan error, 1)}

	select {
	case s.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.closedErr()
	}

	select {
	case err := <-req.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-req.errc:
			return err
		default:
		}
		return s.closedErr()
	}
}

func (s *Stream) writeLoop() {
	for {
		select {
		case req := <-s.writes:
			_, err := s.w.Write(req.data)
			if err != nil {
				err = fmt.Errorf("write %s: %w", req.channel, err)
			}
			req.errc <- err
		case <-s.done:
			return
		}
	}
}

func (s *Stream) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("ignoring host line", zap.Error(fmt.Errorf("%w: %v", ErrBadEnvelope, err)))
			continue
		}
		if env.Channel != ChannelKernelSpecsReply {
			s.logger.Debug("ignoring host envelope", zap.String("channel", env.Channel))
			continue
		}

		var specs kernelspec.Specs
		if err := json.Unmarshal(env.Payload, &specs); err != nil {
			s.logger.Warn("ignoring kernel_specs_reply", zap.Error(fmt.Errorf("%w: %v", ErrBadEnvelope, err)))
			continue
		}
		for name, spec := range specs {
			if spec.Name == "" {
				spec.Name = name
				specs[name] = spec
			}
		}
		s.resolve(specs)
	}

	err := scanner.Err()
	s.mu.Lock()
	s.closed = true
	s.err = err
	s.waiters = nil
	s.mu.Unlock()
	close(s.done)
	if err != nil {
		s.logger.Warn("host stream failed", zap.Error(err))
	}
}

func (s *Stream) resolve(specs kernelspec.Specs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) == 0 {
		s.logger.Debug("unsolicited kernel_specs_reply")
		return
	}
	wait := s.waiters[0]
	s.waiters = s.waiters[1:]
	wait <- specs
}

func (s *Stream) dropWaiter(wait chan kernelspec.Specs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == wait {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Stream) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, s.err)
	}
	return ErrClosed
}

// Serve answers envelopes read from r on w using registry until r ends or
// ctx is done. Pings are passed to onPing, which may be nil.
func Serve(ctx context.Context, r io.Reader, w io.Writer, registry Registry, onPing func(kernelspec.Spec)) error {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return ctx.Err()
				}
			}
			if len(line) == 0 {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
			}
			switch env.Channel {
			case ChannelKernelSpecsRequest:
				specs, err := registry.Specs()
				if err != nil {
					return fmt.Errorf("load kernel specs: %w", err)
				}
				payload, err := json.Marshal(specs)
				if err != nil {
					return fmt.Errorf("marshal kernel specs: %w", err)
				}
				if err := enc.Encode(Envelope{Channel: ChannelKernelSpecsReply, Payload: payload}); err != nil {
					return fmt.Errorf("write kernel_specs_reply: %w", err)
				}
			case ChannelPing:
				if onPing == nil {
					continue
				}
				var spec kernelspec.Spec
				if err := json.Unmarshal(env.Payload, &spec); err == nil {
					onPing(spec)
				}
			}
		}
	}
}
