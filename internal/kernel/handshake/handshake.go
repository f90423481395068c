// Package handshake performs the kernel_info exchange that opens every
// kernel session.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// ErrTimeout is returned when the kernel does not reply within the
// configured timeout.
var ErrTimeout = errors.New("kernel_info reply timed out")

// ErrUnexpectedReply is returned when the reply content is not a
// kernel_info_reply.
var ErrUnexpectedReply = errors.New("unexpected kernel_info reply")

// Option configures a handshake.
type Option func(*config)

type config struct {
	timeout time.Duration
	channel message.Channel
}

// WithTimeout bounds the wait for the reply. Zero, the default, waits until
// ctx is done or the channel set closes.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithChannel sends the request on ch instead of shell.
func WithChannel(ch message.Channel) Option {
	return func(c *config) {
		c.channel = ch
	}
}

// Acquire sends one kernel_info_request and returns the first reply that
// references it. Unrelated traffic is ignored. Only one handshake may be
// outstanding per channel set at a time; a concurrent Acquire fails with
// channels.ErrRequestOutstanding.
func Acquire(ctx context.Context, set *channels.Set, opts ...Option) (*message.KernelInfoReply, error) {
	cfg := config{channel: message.Shell}
	for _, opt := range opts {
		opt(&cfg)
	}

	req, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	reply, err := set.Call(callCtx, cfg.channel, req, message.TypeKernelInfoReply, channels.Exclusive())
	if err != nil {
		if cfg.timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, cfg.timeout)
		}
		return nil, err
	}

	content, err := reply.Parse()
	if err != nil {
		return nil, err
	}
	info, ok := content.(*message.KernelInfoReply)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, content)
	}
	return info, nil
}

// AcquireInfo runs Acquire and returns the reply's language_info.
func AcquireInfo(ctx context.Context, set *channels.Set, opts ...Option) (*message.LanguageInfo, error) {
	reply, err := Acquire(ctx, set, opts...)
	if err != nil {
		return nil, err
	}
	info := reply.LanguageInfo
	return &info, nil
}
