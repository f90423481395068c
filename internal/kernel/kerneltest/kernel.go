// Package kerneltest provides an in-memory kernel for tests.
//
// Kernel implements channels.Transport: binding a channel set against it
// connects the set to a fake kernel that echoes heartbeats, answers
// kernel_info requests and lets the test publish iopub traffic.
package kerneltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// ErrNotConnected is returned when publishing before the channel is open.
var ErrNotConnected = errors.New("kerneltest: channel not connected")

// errSocketClosed is what Recv returns after Close or Disconnect.
var errSocketClosed = errors.New("kerneltest: socket closed")

// inboxSize is the number of frames a socket buffers for the client.
const inboxSize = 256

// Kernel is a fake kernel reachable through the channels.Transport
// interface. It is safe for concurrent use.
type Kernel struct {
	mu        sync.Mutex
	language  message.LanguageInfo
	reply     bool
	heartbeat bool
	bracket   bool
	openErr   map[message.Channel]error
	session   string
	key       []byte
	sockets   map[message.Channel]*socket
	requests  []*message.Message
	arrived   chan struct{}
	opens     int
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLanguageInfo sets the language_info returned in kernel_info replies.
func WithLanguageInfo(info message.LanguageInfo) Option {
	return func(k *Kernel) {
		k.language = info
	}
}

// WithoutKernelInfoReply makes the kernel ignore kernel_info requests.
func WithoutKernelInfoReply() Option {
	return func(k *Kernel) {
		k.reply = false
	}
}

// WithStatusAroundKernelInfo makes the kernel publish busy before and idle
// after each kernel_info reply, parented to the request, as real kernels do.
func WithStatusAroundKernelInfo() Option {
	return func(k *Kernel) {
		k.bracket = true
	}
}

// WithoutHeartbeat makes the kernel swallow heartbeat pings.
func WithoutHeartbeat() Option {
	return func(k *Kernel) {
		k.heartbeat = false
	}
}

// WithOpenError makes every Open of ch fail with err.
func WithOpenError(ch message.Channel, err error) Option {
	return func(k *Kernel) {
		k.openErr[ch] = err
	}
}

// New creates a Kernel. By default it reports a python language_info.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		language:  message.LanguageInfo{Name: "python", Version: "3.12.0", MimeType: "text/x-python", FileExtension: ".py"},
		reply:     true,
		heartbeat: true,
		openErr:   make(map[message.Channel]error),
		session:   uuid.NewString(),
		sockets:   make(map[message.Channel]*socket),
		arrived:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Open implements channels.Transport.
func (k *Kernel) Open(ctx context.Context, ch message.Channel, info connection.Info, identity []byte) (channels.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.opens++
	if err := k.openErr[ch]; err != nil {
		return nil, err
	}
	k.key = info.SigningKey()
	sock := &socket{kernel: k, channel: ch, inbox: make(chan [][]byte, inboxSize), closed: make(chan struct{})}
	k.sockets[ch] = sock
	return sock, nil
}

// Opens returns how many times Open has been called.
func (k *Kernel) Opens() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.opens
}

// Requests returns the messages received so far, in arrival order.
func (k *Kernel) Requests() []*message.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*message.Message(nil), k.requests...)
}

// WaitRequest blocks until a request of msgType has been received.
func (k *Kernel) WaitRequest(ctx context.Context, msgType string) (*message.Message, error) {
	for {
		k.mu.Lock()
		for _, req := range k.requests {
			if req.Type() == msgType {
				k.mu.Unlock()
				return req, nil
			}
		}
		arrived := k.arrived
		k.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Publish sends msg on iopub with a topic derived from its type.
func (k *Kernel) Publish(msg *message.Message) error {
	out := *msg
	out.Identities = [][]byte{[]byte("kernel." + k.session + "." + msg.Type())}
	return k.send(message.IOPub, &out)
}

// PublishStatus publishes one status message per state, in order. parent
// may be nil.
func (k *Kernel) PublishStatus(parent *message.Message, states ...message.ExecutionState) error {
	for _, state := range states {
		msg, err := k.NewMessage(parent, message.TypeStatus, map[string]any{"execution_state": state})
		if err != nil {
			return err
		}
		if err := k.Publish(msg); err != nil {
			return err
		}
	}
	return nil
}

// Reply answers req on the channel it arrived on.
func (k *Kernel) Reply(req *message.Message, msgType string, content any) error {
	reply, err := message.NewReply(req, msgType, content)
	if err != nil {
		return err
	}
	return k.send(req.Channel, reply)
}

// SendRaw delivers frames to the client unchanged.
func (k *Kernel) SendRaw(ch message.Channel, frames [][]byte) error {
	k.mu.Lock()
	sock := k.sockets[ch]
	k.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, ch)
	}
	sock.push(frames)
	return nil
}

// Disconnect fails every open socket, as if the kernel went away.
func (k *Kernel) Disconnect() {
	k.mu.Lock()
	socks := make([]*socket, 0, len(k.sockets))
	for _, s := range k.sockets {
		socks = append(socks, s)
	}
	k.mu.Unlock()
	for _, s := range socks {
		s.Close()
	}
}

// NewMessage builds a message in the kernel's session, as a child of parent
// when parent is not nil.
func (k *Kernel) NewMessage(parent *message.Message, msgType string, content any) (*message.Message, error) {
	if parent != nil {
		return message.NewReply(parent, msgType, content)
	}
	return message.New(msgType, k.session, content)
}

func (k *Kernel) send(ch message.Channel, msg *message.Message) error {
	k.mu.Lock()
	sock := k.sockets[ch]
	key := k.key
	k.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, ch)
	}

	frames, err := message.Encode(msg, key)
	if err != nil {
		return err
	}
	sock.push(frames)
	return nil
}

// receive handles a request written by the client.
func (k *Kernel) receive(ch message.Channel, frames [][]byte) error {
	if ch == message.Heartbeat {
		k.mu.Lock()
		echo := k.heartbeat
		sock := k.sockets[ch]
		k.mu.Unlock()
		if echo && sock != nil {
			sock.push(frames)
		}
		return nil
	}

	k.mu.Lock()
	key := k.key
	k.mu.Unlock()

	req, err := message.Decode(frames, key)
	if err != nil {
		return err
	}
	req.Channel = ch

	k.mu.Lock()
	k.requests = append(k.requests, req)
	close(k.arrived)
	k.arrived = make(chan struct{})
	reply := k.reply
	bracket := k.bracket
	language := k.language
	k.mu.Unlock()

	if req.Type() != message.TypeKernelInfoRequest || !reply {
		return nil
	}
	if bracket {
		if err := k.PublishStatus(req, message.ExecutionBusy); err != nil {
			return err
		}
	}
	err = k.Reply(req, message.TypeKernelInfoReply, &message.KernelInfoReply{
		Status:          "ok",
		ProtocolVersion: message.ProtocolVersion,
		Implementation:  "kerneltest",
		LanguageInfo:    language,
	})
	if err != nil || !bracket {
		return err
	}
	return k.PublishStatus(req, message.ExecutionIdle)
}

// socket is the client end of one fake channel.
type socket struct {
	kernel    *Kernel
	channel   message.Channel
	inbox     chan [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *socket) Send(frames [][]byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	copied := make([][]byte, len(frames))
	for i, f := range frames {
		copied[i] = append([]byte(nil), f...)
	}
	return s.kernel.receive(s.channel, copied)
}

func (s *socket) Recv() ([][]byte, error) {
	select {
	case frames := <-s.inbox:
		return frames, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *socket) push(frames [][]byte) {
	select {
	case s.inbox <- frames:
	case <-s.closed:
	}
}
