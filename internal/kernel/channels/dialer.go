package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// DefaultRetryInterval is the pause between attempts to open a channel
// whose endpoint is not accepting connections yet.
const DefaultRetryInterval = 50 * time.Millisecond

// Binder creates the channel set for a spawned kernel.
type Binder interface {
	Bind(ctx context.Context, info connection.Info) (*Set, error)
}

// Dialer binds channel sets over a Transport.
type Dialer struct {
	transport Transport
	retry     time.Duration
	heartbeat bool
	logger    *zap.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithRetryInterval sets the pause between open attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(d2 *Dialer) {
		d2.retry = d
	}
}

// WithoutHeartbeat skips the heartbeat probe that normally completes Bind.
func WithoutHeartbeat() Option {
	return func(d *Dialer) {
		d.heartbeat = false
	}
}

// WithLogger sets the logger used by the dialer and by the sets it binds.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dialer) {
		d.logger = l
	}
}

// NewDialer creates a Dialer for t.
func NewDialer(t Transport, opts ...Option) *Dialer {
	d := &Dialer{
		transport: t,
		retry:     DefaultRetryInterval,
		heartbeat: true,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bind opens every channel described by info and returns the live Set.
//
// Kernels bind their sockets some time after they start, so each channel is
// retried until it opens or ctx is done; callers bound the wait through ctx.
// Unless disabled, Bind then sends one heartbeat and only returns once the
// kernel has echoed it. Any failure is a *BindError and leaves nothing open.
func (d *Dialer) Bind(ctx context.Context, info connection.Info) (*Set, error) {
	if err := info.Validate(); err != nil {
		return nil, &BindError{Channel: message.Shell, Endpoint: info.Endpoint(message.Shell), Err: err}
	}

	session := uuid.NewString()
	identity := []byte(session)
	sockets := make(map[message.Channel]Socket, len(message.Channels))

	closeAll := func() {
		for _, sock := range sockets {
			_ = sock.Close()
		}
	}

	for _, ch := range message.Channels {
		sock, err := d.open(ctx, ch, info, identity)
		if err != nil {
			closeAll()
			return nil, err
		}
		sockets[ch] = sock
	}

	hb, err := d.open(ctx, message.Heartbeat, info, nil)
	if err != nil {
		closeAll()
		return nil, err
	}

	logger := d.logger.With(zap.String("session", session), zap.String("kernel", info.KernelName))
	set := newSet(session, info.SigningKey(), sockets, hb, logger)

	if d.heartbeat {
		if err := set.Ping(ctx); err != nil {
			_ = set.Close()
			return nil, &BindError{Channel: message.Heartbeat, Endpoint: info.Endpoint(message.Heartbeat), Err: err}
		}
	}

	logger.Debug("channel set bound", zap.String("transport", info.Transport), zap.String("ip", info.IP))
	return set, nil
}

func (d *Dialer) open(ctx context.Context, ch message.Channel, info connection.Info, identity []byte) (Socket, error) {
	endpoint := info.Endpoint(ch)
	var lastErr error
	for attempt := 1; ; attempt++ {
		sock, err := d.transport.Open(ctx, ch, info, identity)
		if err == nil {
			return sock, nil
		}
		if lastErr == nil || ctx.Err() == nil {
			lastErr = err
		}
		if errors.Is(err, ErrUnknownChannel) || errors.Is(err, connection.ErrUnsupportedTransport) {
			return nil, &BindError{Channel: ch, Endpoint: endpoint, Err: err}
		}
		d.logger.Debug("channel open failed, retrying",
			zap.Stringer("channel", ch),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(d.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &BindError{Channel: ch, Endpoint: endpoint, Err: fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)}
		case <-timer.C:
		}
	}
}
