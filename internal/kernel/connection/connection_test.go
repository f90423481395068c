package connection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nbkernel/internal/kernel/message"
)

func TestNewTCP(t *testing.T) {
	info, err := New(Options{KernelName: "python3"})
	require.NoError(t, err)
	require.NoError(t, info.Validate())

	assert.Equal(t, TransportTCP, info.Transport)
	assert.Equal(t, DefaultIP, info.IP)
	assert.Equal(t, SignatureScheme, info.SignatureScheme)
	assert.NotEmpty(t, info.Key)
	assert.Equal(t, "python3", info.KernelName)

	seen := map[int]bool{}
	for _, ch := range []message.Channel{message.Shell, message.IOPub, message.Stdin, message.Control, message.Heartbeat} {
		p := info.Port(ch)
		assert.False(t, seen[p], "port %d reused", p)
		seen[p] = true
	}

	other, err := New(Options{})
	require.NoError(t, err)
	assert.NotEqual(t, info.Key, other.Key)
}

func TestEndpoint(t *testing.T) {
	info := Info{Transport: TransportTCP, IP: "127.0.0.1", ShellPort: 5000, HBPort: 5004}
	assert.Equal(t, "tcp://127.0.0.1:5000", info.Endpoint(message.Shell))
	assert.Equal(t, "tcp://127.0.0.1:5004", info.Endpoint(message.Heartbeat))

	ipc := Info{Transport: TransportIPC, IP: "/tmp/kernel-x", IOPubPort: 2}
	assert.Equal(t, "ipc:///tmp/kernel-x-2", ipc.Endpoint(message.IOPub))
}

func TestNewIPC(t *testing.T) {
	info, err := New(Options{Transport: TransportIPC})
	require.NoError(t, err)
	require.NoError(t, info.Validate())
	assert.Contains(t, info.IP, "kernel-")
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	_, err := New(Options{Transport: "udp"})
	assert.ErrorIs(t, err, ErrUnsupportedTransport)
}

func TestValidate(t *testing.T) {
	info, err := New(Options{})
	require.NoError(t, err)

	broken := info
	broken.HBPort = 0
	assert.ErrorIs(t, broken.Validate(), ErrInvalidInfo)

	broken = info
	broken.SignatureScheme = "hmac-md5"
	assert.ErrorIs(t, broken.Validate(), ErrInvalidInfo)
}

func TestWriteReadRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runtime")
	info, err := New(Options{KernelName: "python3"})
	require.NoError(t, err)

	path, err := Write(dir, info)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	require.NoError(t, Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, Remove(path), "second remove is a no-op")
	assert.NoError(t, Remove(""))
}
