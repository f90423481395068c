package channels

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/nbkernel/internal/kernel/message"
)

// heartbeatPayload is the frame echoed by the heartbeat channel.
var heartbeatPayload = []byte("ping")

// Set is the live channel bundle of one kernel.
//
// Set is safe for concurrent use. It is shared by every consumer of the
// kernel; only the lifecycle owner should call Close.
type Set struct {
	session string
	key     []byte
	logger  *zap.Logger

	sockets map[message.Channel]Socket
	sendMu  map[message.Channel]*sync.Mutex
	hb      Socket
	hbMu    sync.Mutex

	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	pending   map[string]*pendingCall
	exclusive map[string]string
	closed    bool
	err       error

	done      chan struct{}
	closeOnce sync.Once
	readers   sync.WaitGroup
}

// pendingCall is an entry of the correlation table.
type pendingCall struct {
	replyType string
	reqType   string
	exclusive bool
	reply     chan *message.Message
}

// newSet takes ownership of sockets and starts one reader per message
// channel. hb may be nil.
func newSet(session string, key []byte, sockets map[message.Channel]Socket, hb Socket, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{
		session:   session,
		key:       key,
		logger:    logger,
		sockets:   sockets,
		sendMu:    make(map[message.Channel]*sync.Mutex, len(sockets)),
		hb:        hb,
		subs:      make(map[*Subscription]struct{}),
		pending:   make(map[string]*pendingCall),
		exclusive: make(map[string]string),
		done:      make(chan struct{}),
	}
	for ch, sock := range sockets {
		s.sendMu[ch] = &sync.Mutex{}
		s.readers.Add(1)
		go s.readLoop(ch, sock)
	}
	return s
}

// Session returns the session id stamped on messages built by NewMessage.
func (s *Set) Session() string {
	return s.session
}

// NewMessage builds a request with a fresh message id in this Set's session.
func (s *Set) NewMessage(msgType string, content any) (*message.Message, error) {
	return message.New(msgType, s.session, content)
}

// Subscribe registers a consumer for messages accepted by filter. A nil
// filter accepts every message. Subscribing to a closed Set returns a
// subscription whose channel is already closed.
func (s *Set) Subscribe(filter Filter) *Subscription {
	sub := newSubscription(s, filter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.end()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Set) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Publish signs and sends msg on ch.
func (s *Set) Publish(ch message.Channel, msg *message.Message) error {
	if s.isClosed() {
		return ErrClosed
	}
	sock, ok := s.sockets[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}

	frames, err := message.Encode(msg, s.key)
	if err != nil {
		return err
	}

	mu := s.sendMu[ch]
	mu.Lock()
	defer mu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if err := sock.Send(frames); err != nil {
		return &TransportError{Channel: ch, Err: err}
	}
	s.logger.Debug("message sent",
		zap.Stringer("channel", ch),
		zap.String("msg_type", msg.Type()),
		zap.String("msg_id", msg.ID()))
	return nil
}

// CallOption configures a Call.
type CallOption func(*pendingCall)

// Exclusive rejects the call with ErrRequestOutstanding while another
// exclusive request of the same type is awaiting its reply.
func Exclusive() CallOption {
	return func(p *pendingCall) {
		p.exclusive = true
	}
}

// Call publishes req on ch and waits for the first message of replyType
// whose parent header references req. The correlation entry is registered
// before req is sent, so a fast reply cannot be missed.
//
// Call waits until the reply arrives, ctx is done or the Set closes. There
// is no intrinsic timeout.
func (s *Set) Call(ctx context.Context, ch message.Channel, req *message.Message, replyType string, opts ...CallOption) (*message.Message, error) {
	p := &pendingCall{
		replyType: replyType,
		reqType:   req.Type(),
		reply:     make(chan *message.Message, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if p.exclusive {
		if id, busy := s.exclusive[p.reqType]; busy {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s %s", ErrRequestOutstanding, p.reqType, id)
		}
		s.exclusive[p.reqType] = req.ID()
	}
	s.pending[req.ID()] = p
	s.mu.Unlock()

	if err := s.Publish(ch, req); err != nil {
		s.forget(req.ID())
		return nil, err
	}

	select {
	case reply := <-p.reply:
		return reply, nil
	case <-ctx.Done():
		s.forget(req.ID())
		select {
		case reply := <-p.reply:
			return reply, nil
		default:
		}
		return nil, ctx.Err()
	case <-s.done:
		select {
		case reply := <-p.reply:
			return reply, nil
		default:
		}
		return nil, ErrClosed
	}
}

// Outstanding returns the number of calls awaiting a reply.
func (s *Set) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// forget drops a correlation entry.
func (s *Set) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(id)
}

func (s *Set) dropLocked(id string) {
	p, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	if p.exclusive && s.exclusive[p.reqType] == id {
		delete(s.exclusive, p.reqType)
	}
}

// Ping sends one heartbeat and waits for the echo.
func (s *Set) Ping(ctx context.Context) error {
	if s.hb == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, message.Heartbeat)
	}
	if s.isClosed() {
		return ErrClosed
	}

	result := make(chan error, 1)
	go func() {
		s.hbMu.Lock()
		defer s.hbMu.Unlock()
		if err := s.hb.Send([][]byte{heartbeatPayload}); err != nil {
			result <- &TransportError{Channel: message.Heartbeat, Err: err}
			return
		}
		frames, err := s.hb.Recv()
		if err != nil {
			result <- &TransportError{Channel: message.Heartbeat, Err: err}
			return
		}
		if len(frames) != 1 || !bytes.Equal(frames[0], heartbeatPayload) {
			result <- ErrHeartbeat
			return
		}
		result <- nil
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Done is closed when the Set closes, by Close or by a transport failure.
func (s *Set) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport failure that closed the Set, or nil if it is
// open or was closed by Close.
func (s *Set) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the Set down: sockets are closed, outstanding calls fail with
// ErrClosed and every subscription ends after its queued messages. Close
// waits for the channel readers and is idempotent.
func (s *Set) Close() error {
	s.shutdown(nil)
	s.readers.Wait()
	return nil
}

func (s *Set) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// shutdown closes the Set without waiting for readers, so it may be called
// from a reader.
func (s *Set) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = cause
		subs := make([]*Subscription, 0, len(s.subs))
		for sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[*Subscription]struct{})
		outstanding := len(s.pending)
		s.pending = make(map[string]*pendingCall)
		s.exclusive = make(map[string]string)
		s.mu.Unlock()

		close(s.done)

		for ch, sock := range s.sockets {
			if err := sock.Close(); err != nil {
				s.logger.Debug("socket close failed", zap.Stringer("channel", ch), zap.Error(err))
			}
		}
		if s.hb != nil {
			_ = s.hb.Close()
		}
		for _, sub := range subs {
			sub.end()
		}

		if cause != nil {
			s.logger.Warn("channel set closed by transport failure", zap.Error(cause), zap.Int("outstanding", outstanding))
		} else {
			s.logger.Debug("channel set closed", zap.Int("outstanding", outstanding))
		}
	})
}

func (s *Set) readLoop(ch message.Channel, sock Socket) {
	defer s.readers.Done()
	for {
		frames, err := sock.Recv()
		if err != nil {
			if !s.isClosed() {
				s.shutdown(&TransportError{Channel: ch, Err: err})
			}
			return
		}

		msg, err := message.Decode(frames, s.key)
		if err != nil {
			s.logger.Warn("dropping undecodable message", zap.Stringer("channel", ch), zap.Error(err))
			continue
		}
		msg.Channel = ch
		s.dispatch(msg)
	}
}

// dispatch resolves a matching correlation entry, then fans msg out to the
// subscriptions registered at this point. It reports false if the Set had
// already closed. Delivery only enqueues, so it happens under s.mu and a
// concurrent shutdown cannot end a subscription between the two.
func (s *Set) dispatch(msg *message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if id := msg.ParentID(); id != "" {
		if p, ok := s.pending[id]; ok && p.replyType == msg.Type() {
			s.dropLocked(id)
			p.reply <- msg
		}
	}
	for sub := range s.subs {
		sub.deliver(msg)
	}
	return true
}
