package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// defaultDialRetry is how often a socket redials an endpoint that is not
// accepting connections yet.
const defaultDialRetry = 100 * time.Millisecond

// ZMQTransport connects kernel channels over ZeroMQ. Shell, control and
// stdin use DEALER sockets, iopub a SUB socket subscribed to every topic and
// the heartbeat a REQ socket.
type ZMQTransport struct {
	dialRetry time.Duration
}

// ZMQOption configures a ZMQTransport.
type ZMQOption func(*ZMQTransport)

// WithDialRetry sets the interval between connection attempts made by a
// single Open.
func WithDialRetry(d time.Duration) ZMQOption {
	return func(t *ZMQTransport) {
		t.dialRetry = d
	}
}

// NewZMQTransport creates a ZeroMQ transport.
func NewZMQTransport(opts ...ZMQOption) *ZMQTransport {
	t := &ZMQTransport{dialRetry: defaultDialRetry}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects the socket for ch.
//
// Sockets outlive ctx: ctx only gates the attempt. The socket is released
// by Close.
func (t *ZMQTransport) Open(ctx context.Context, ch message.Channel, info connection.Info, identity []byte) (Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []zmq4.Option{zmq4.WithDialerRetry(t.dialRetry)}

	var sock zmq4.Socket
	switch ch {
	case message.Shell, message.Control, message.Stdin:
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
		sock = zmq4.NewDealer(context.Background(), opts...)
	case message.IOPub:
		sock = zmq4.NewSub(context.Background(), opts...)
	case message.Heartbeat:
		sock = zmq4.NewReq(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}

	endpoint := info.Endpoint(ch)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	if ch == message.IOPub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			return nil, fmt.Errorf("subscribe %s: %w", endpoint, err)
		}
	}

	return &zmqSocket{sock: sock}, nil
}

// zmqSocket adapts a zmq4 socket to Socket.
type zmqSocket struct {
	sock zmq4.Socket
}

func (s *zmqSocket) Send(frames [][]byte) error {
	if len(frames) == 1 {
		return s.sock.Send(zmq4.NewMsg(frames[0]))
	}
	return s.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (s *zmqSocket) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}
