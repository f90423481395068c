package channels

import (
	"context"

	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// Socket is one connected kernel channel carrying multipart frames.
type Socket interface {
	// Send writes a multipart message.
	Send(frames [][]byte) error

	// Recv blocks until a multipart message arrives or the socket fails.
	// It returns an error once the socket is closed.
	Recv() ([][]byte, error)

	// Close closes the socket and unblocks a pending Recv.
	Close() error
}

// Transport connects sockets to the endpoints described by a connection
// descriptor.
type Transport interface {
	// Open connects the socket for ch. Identity is the routing identity
	// shared by the shell, control and stdin sockets.
	Open(ctx context.Context, ch message.Channel, info connection.Info, identity []byte) (Socket, error)
}
