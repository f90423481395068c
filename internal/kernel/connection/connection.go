// Package connection generates and persists kernel connection descriptors.
//
// A descriptor carries everything a kernel needs to bind its sockets and
// everything a client needs to reach them: transport, address, one port per
// channel and the HMAC key used to sign messages. It is written to a
// connection file passed to the kernel on its command line.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/dshills/nbkernel/internal/kernel/message"
)

// Transport schemes understood by kernels.
const (
	TransportTCP = "tcp"
	TransportIPC = "ipc"
)

// SignatureScheme is the only scheme produced by New.
const SignatureScheme = "hmac-sha256"

// DefaultIP is the loopback address kernels bind by default.
const DefaultIP = "127.0.0.1"

// Info is the connection descriptor for one kernel.
type Info struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// Options controls descriptor generation.
type Options struct {
	// Transport is "tcp" (default) or "ipc".
	Transport string

	// IP is the bind address for tcp or the socket path prefix for ipc.
	// Defaults to DefaultIP for tcp and a path under the temp dir for ipc.
	IP string

	// KernelName is recorded in the descriptor.
	KernelName string
}

// New creates a descriptor with freshly allocated ports and a new key.
func New(opts Options) (Info, error) {
	info := Info{
		Transport:       opts.Transport,
		IP:              opts.IP,
		SignatureScheme: SignatureScheme,
		Key:             uuid.NewString(),
		KernelName:      opts.KernelName,
	}
	if info.Transport == "" {
		info.Transport = TransportTCP
	}

	var ports []int
	switch info.Transport {
	case TransportTCP:
		if info.IP == "" {
			info.IP = DefaultIP
		}
		var err error
		if ports, err = freePorts(info.IP, 5); err != nil {
			return Info{}, err
		}
	case TransportIPC:
		if info.IP == "" {
			info.IP = filepath.Join(os.TempDir(), "kernel-"+uuid.NewString()[:8])
		}
		ports = []int{1, 2, 3, 4, 5}
	default:
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedTransport, info.Transport)
	}

	info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort =
		ports[0], ports[1], ports[2], ports[3], ports[4]
	return info, nil
}

// freePorts reserves n distinct ports by listening on all of them at once.
func freePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("allocate port on %s: %w", ip, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// Port returns the port assigned to ch, or 0 for an unknown channel.
func (i Info) Port(ch message.Channel) int {
	switch ch {
	case message.Shell:
		return i.ShellPort
	case message.IOPub:
		return i.IOPubPort
	case message.Stdin:
		return i.StdinPort
	case message.Control:
		return i.ControlPort
	case message.Heartbeat:
		return i.HBPort
	default:
		return 0
	}
}

// Endpoint returns the ZeroMQ endpoint for ch.
func (i Info) Endpoint(ch message.Channel) string {
	port := strconv.Itoa(i.Port(ch))
	if i.Transport == TransportIPC {
		return "ipc://" + i.IP + "-" + port
	}
	return i.Transport + "://" + net.JoinHostPort(i.IP, port)
}

// SigningKey returns the key as bytes for message signing.
func (i Info) SigningKey() []byte {
	return []byte(i.Key)
}

// Validate reports whether the descriptor is complete.
func (i Info) Validate() error {
	if i.Transport != TransportTCP && i.Transport != TransportIPC {
		return fmt.Errorf("%w: %q", ErrUnsupportedTransport, i.Transport)
	}
	if i.IP == "" {
		return fmt.Errorf("%w: missing ip", ErrInvalidInfo)
	}
	if i.Key != "" && i.SignatureScheme != SignatureScheme {
		return fmt.Errorf("%w: signature scheme %q", ErrInvalidInfo, i.SignatureScheme)
	}
	for _, ch := range append([]message.Channel{message.Heartbeat}, message.Channels...) {
		if p := i.Port(ch); p <= 0 || p > 65535 {
			return fmt.Errorf("%w: %s port %d", ErrInvalidInfo, ch, p)
		}
	}
	return nil
}

// Write stores info in a new connection file under dir (the system temp dir
// when empty) and returns its path. The file is readable only by the owner.
func Write(dir string, info Info) (string, error) {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal connection info: %w", err)
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create connection dir: %w", err)
		}
	}

	f, err := os.CreateTemp(dir, "kernel-*.json")
	if err != nil {
		return "", fmt.Errorf("create connection file: %w", err)
	}
	path := f.Name()

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("chmod connection file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write connection file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close connection file: %w", err)
	}
	return path, nil
}

// Read loads a connection file.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read connection file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	return info, nil
}

// Remove deletes a connection file. A missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove connection file: %w", err)
	}
	return nil
}

// Sentinel errors.
var (
	// ErrUnsupportedTransport is returned for transports other than tcp and ipc.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrInvalidInfo is returned when a descriptor is incomplete.
	ErrInvalidInfo = errors.New("invalid connection info")
)
