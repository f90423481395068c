package handshake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/kerneltest"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

func bind(t *testing.T, k *kerneltest.Kernel) *channels.Set {
	t.Helper()
	info, err := connection.New(connection.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	set, err := channels.NewDialer(k).Bind(ctx, info)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	return set
}

func TestAcquireInfo(t *testing.T) {
	k := kerneltest.New(kerneltest.WithLanguageInfo(message.LanguageInfo{Name: "python", Version: "3.11.4"}))
	set := bind(t, k)

	info, err := AcquireInfo(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, "python", info.Name)
	assert.Equal(t, "3.11.4", info.Version)

	reqs := k.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, message.TypeKernelInfoRequest, reqs[0].Type())
	assert.Equal(t, message.Shell, reqs[0].Channel)
	assert.NotEmpty(t, reqs[0].ID())
}

func TestAcquireIgnoresInterleavedTraffic(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	var (
		info *message.LanguageInfo
		err  error
		wg   sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		info, err = AcquireInfo(context.Background(), set)
	}()

	req, werr := k.WaitRequest(context.Background(), message.TypeKernelInfoRequest)
	require.NoError(t, werr)

	for i := 0; i < 10; i++ {
		require.NoError(t, k.PublishStatus(nil, message.ExecutionBusy, message.ExecutionIdle))
		stray, serr := k.NewMessage(nil, message.TypeKernelInfoReply, map[string]any{"language_info": map[string]any{"name": "stray"}})
		require.NoError(t, serr)
		require.NoError(t, k.Publish(stray))
	}
	require.NoError(t, k.PublishStatus(req, message.ExecutionBusy))
	require.NoError(t, k.Reply(req, message.TypeKernelInfoReply, &message.KernelInfoReply{
		Status:       "ok",
		LanguageInfo: message.LanguageInfo{Name: "python"},
	}))
	require.NoError(t, k.Reply(req, message.TypeKernelInfoReply, &message.KernelInfoReply{
		LanguageInfo: message.LanguageInfo{Name: "duplicate"},
	}))

	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, "python", info.Name)
	assert.Zero(t, set.Outstanding())
}

func TestAcquireTimeout(t *testing.T) {
	set := bind(t, kerneltest.New(kerneltest.WithoutKernelInfoReply()))

	_, err := Acquire(context.Background(), set, WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, set.Outstanding())
}

func TestAcquireCancelled(t *testing.T) {
	set := bind(t, kerneltest.New(kerneltest.WithoutKernelInfoReply()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Acquire(ctx, set, WithTimeout(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestAcquireSetClosed(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	errc := make(chan error, 1)
	go func() {
		_, err := Acquire(context.Background(), set)
		errc <- err
	}()
	_, err := k.WaitRequest(context.Background(), message.TypeKernelInfoRequest)
	require.NoError(t, err)

	require.NoError(t, set.Close())
	assert.ErrorIs(t, <-errc, channels.ErrClosed)
}

func TestAcquireSingleOutstanding(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Acquire(ctx, set)

	_, err := k.WaitRequest(context.Background(), message.TypeKernelInfoRequest)
	require.NoError(t, err)

	_, err = Acquire(context.Background(), set)
	assert.ErrorIs(t, err, channels.ErrRequestOutstanding)
}

func TestAcquireOnControl(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	_, err := Acquire(context.Background(), set, WithChannel(message.Control))
	require.NoError(t, err)
	assert.Equal(t, message.Control, k.Requests()[0].Channel)
}
