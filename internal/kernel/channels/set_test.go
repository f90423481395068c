package channels_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/kerneltest"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testInfo(t *testing.T) connection.Info {
	t.Helper()
	info, err := connection.New(connection.Options{KernelName: "python3"})
	require.NoError(t, err)
	return info
}

func bind(t *testing.T, k *kerneltest.Kernel, opts ...channels.Option) *channels.Set {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	set, err := channels.NewDialer(k, opts...).Bind(ctx, testInfo(t))
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	return set
}

func receive(t *testing.T, sub *channels.Subscription) *message.Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBindPingsHeartbeat(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	assert.NotEmpty(t, set.Session())
	assert.Equal(t, 5, k.Opens())
	require.NoError(t, set.Ping(context.Background()))
}

func TestBindFailsWithoutHeartbeatEcho(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutHeartbeat())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := channels.NewDialer(k).Bind(ctx, testInfo(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, channels.ErrBind)

	var bindErr *channels.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, message.Heartbeat, bindErr.Channel)
}

func TestBindRetriesUntilDeadline(t *testing.T) {
	refused := errors.New("connection refused")
	k := kerneltest.New(kerneltest.WithOpenError(message.IOPub, refused))
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := channels.NewDialer(k, channels.WithRetryInterval(10*time.Millisecond)).Bind(ctx, testInfo(t))
	require.ErrorIs(t, err, channels.ErrBind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Greater(t, k.Opens(), 4, "iopub should have been retried")
}

func TestBindRejectsInvalidInfo(t *testing.T) {
	_, err := channels.NewDialer(kerneltest.New()).Bind(context.Background(), connection.Info{Transport: "udp"})
	assert.ErrorIs(t, err, channels.ErrBind)
	assert.ErrorIs(t, err, connection.ErrUnsupportedTransport)
}

func TestCallCorrelatesReply(t *testing.T) {
	k := kerneltest.New(kerneltest.WithLanguageInfo(message.LanguageInfo{Name: "julia"}))
	set := bind(t, k)

	req, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	require.NoError(t, err)

	reply, err := set.Call(context.Background(), message.Shell, req, message.TypeKernelInfoReply)
	require.NoError(t, err)
	assert.True(t, reply.IsChildOf(req.ID()))
	assert.Equal(t, message.Shell, reply.Channel)

	content, err := reply.Parse()
	require.NoError(t, err)
	assert.Equal(t, "julia", content.(*message.KernelInfoReply).LanguageInfo.Name)
	assert.Zero(t, set.Outstanding())

	got, err := k.WaitRequest(context.Background(), message.TypeKernelInfoRequest)
	require.NoError(t, err)
	assert.Equal(t, req.ID(), got.ID())
	assert.Equal(t, set.Session(), got.Header.Session)
}

func TestCallIgnoresUnrelatedReplies(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	req, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	require.NoError(t, err)

	type result struct {
		reply *message.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := set.Call(context.Background(), message.Shell, req, message.TypeKernelInfoReply)
		done <- result{reply, err}
	}()

	got, err := k.WaitRequest(context.Background(), message.TypeKernelInfoRequest)
	require.NoError(t, err)

	other, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	require.NoError(t, err)
	other.Channel = message.Shell
	require.NoError(t, k.Reply(other, message.TypeKernelInfoReply, map[string]any{"language_info": map[string]any{"name": "wrong"}}))
	require.NoError(t, k.Reply(got, "execute_reply", map[string]any{}))
	require.NoError(t, k.PublishStatus(got, message.ExecutionBusy))
	require.NoError(t, k.Reply(got, message.TypeKernelInfoReply, map[string]any{"language_info": map[string]any{"name": "python"}}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, message.TypeKernelInfoReply, r.reply.Type())
		content, err := r.reply.Parse()
		require.NoError(t, err)
		assert.Equal(t, "python", content.(*message.KernelInfoReply).LanguageInfo.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not resolve")
	}
}

func TestCallExclusive(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := set.Call(ctx, message.Shell, first, message.TypeKernelInfoReply, channels.Exclusive())
		errc <- err
	}()
	require.Eventually(t, func() bool { return set.Outstanding() == 1 }, time.Second, 5*time.Millisecond)

	second, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	require.NoError(t, err)
	_, err = set.Call(context.Background(), message.Shell, second, message.TypeKernelInfoReply, channels.Exclusive())
	assert.ErrorIs(t, err, channels.ErrRequestOutstanding)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, set.Outstanding())
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	statuses := set.Subscribe(channels.OfType(message.TypeStatus))
	everything := set.Subscribe(nil)
	defer statuses.Unsubscribe()
	defer everything.Unsubscribe()

	stream, err := k.NewMessage(nil, "stream", map[string]any{"name": "stdout", "text": "hi"})
	require.NoError(t, err)
	require.NoError(t, k.Publish(stream))
	require.NoError(t, k.PublishStatus(nil, message.ExecutionIdle))

	assert.Equal(t, "stream", receive(t, everything).Type())
	assert.Equal(t, message.TypeStatus, receive(t, everything).Type())

	got := receive(t, statuses)
	assert.Equal(t, message.TypeStatus, got.Type())
	assert.Equal(t, message.IOPub, got.Channel)
}

func TestSubscriptionPreservesOrder(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	sub := set.Subscribe(channels.All(channels.OnChannel(message.IOPub), channels.OfType(message.TypeStatus)))
	defer sub.Unsubscribe()

	states := []message.ExecutionState{message.ExecutionStarting, message.ExecutionBusy, message.ExecutionIdle, message.ExecutionBusy, message.ExecutionIdle}
	require.NoError(t, k.PublishStatus(nil, states...))

	for i, want := range states {
		content, err := receive(t, sub).Parse()
		require.NoError(t, err)
		assert.Equal(t, want, content.(*message.Status).ExecutionState, "status %d", i)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	slow := set.Subscribe(nil)
	defer slow.Unsubscribe()
	fast := set.Subscribe(nil)
	defer fast.Unsubscribe()

	const n = 100
	for i := 0; i < n; i++ {
		msg, err := k.NewMessage(nil, "stream", map[string]any{"text": fmt.Sprint(i)})
		require.NoError(t, err)
		require.NoError(t, k.Publish(msg))
	}
	for i := 0; i < n; i++ {
		receive(t, fast)
	}
	for i := 0; i < n; i++ {
		receive(t, slow)
	}
}

func TestDropsBadSignatures(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	sub := set.Subscribe(nil)
	defer sub.Unsubscribe()

	forged, err := k.NewMessage(nil, message.TypeStatus, map[string]any{"execution_state": "busy"})
	require.NoError(t, err)
	frames, err := message.Encode(forged, []byte("not-the-key"))
	require.NoError(t, err)
	require.NoError(t, k.SendRaw(message.IOPub, frames))
	require.NoError(t, k.PublishStatus(nil, message.ExecutionIdle))

	content, err := receive(t, sub).Parse()
	require.NoError(t, err)
	assert.Equal(t, message.ExecutionIdle, content.(*message.Status).ExecutionState)
}

func TestCloseTearsDown(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	sub := set.Subscribe(nil)
	req, err := set.NewMessage(message.TypeKernelInfoRequest, nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := set.Call(context.Background(), message.Shell, req, message.TypeKernelInfoReply)
		errc <- err
	}()
	require.Eventually(t, func() bool { return set.Outstanding() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, set.Close())
	require.NoError(t, set.Close(), "close is idempotent")

	assert.ErrorIs(t, <-errc, channels.ErrClosed)
	_, open := <-sub.C()
	assert.False(t, open)
	assert.NoError(t, set.Err())

	late, err := set.NewMessage("execute_request", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, set.Publish(message.Shell, late), channels.ErrClosed)
	_, err = set.Call(context.Background(), message.Shell, late, "execute_reply")
	assert.ErrorIs(t, err, channels.ErrClosed)
	assert.ErrorIs(t, set.Ping(context.Background()), channels.ErrClosed)

	_, open = <-set.Subscribe(nil).C()
	assert.False(t, open, "subscribing to a closed set yields a closed channel")
}

func TestCloseDeliversQueuedMessages(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)

	sub := set.Subscribe(channels.OfType(message.TypeStatus))
	require.NoError(t, k.PublishStatus(nil, message.ExecutionBusy, message.ExecutionIdle))
	// The probe follows the statuses on iopub, so once it arrives both
	// statuses are queued on sub.
	probe := set.Subscribe(channels.OfType("probe"))
	msg, err := k.NewMessage(nil, "probe", nil)
	require.NoError(t, err)
	require.NoError(t, k.Publish(msg))
	receive(t, probe)

	require.NoError(t, set.Close())

	var got []message.ExecutionState
	for m := range sub.C() {
		content, err := m.Parse()
		require.NoError(t, err)
		got = append(got, content.(*message.Status).ExecutionState)
	}
	assert.Equal(t, []message.ExecutionState{message.ExecutionBusy, message.ExecutionIdle}, got)
}

func TestTransportFailureClosesSet(t *testing.T) {
	k := kerneltest.New()
	set := bind(t, k)
	sub := set.Subscribe(nil)

	k.Disconnect()

	select {
	case <-set.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("set did not close after disconnect")
	}
	var terr *channels.TransportError
	assert.ErrorAs(t, set.Err(), &terr)

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestConcurrentPublish(t *testing.T) {
	k := kerneltest.New(kerneltest.WithoutKernelInfoReply())
	set := bind(t, k)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := set.NewMessage("comm_info_request", nil)
			if assert.NoError(t, err) {
				assert.NoError(t, set.Publish(message.Control, msg))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, k.Requests(), 20)
	for _, req := range k.Requests() {
		assert.Equal(t, message.Control, req.Channel)
	}
}

func TestPublishUnknownChannel(t *testing.T) {
	set := bind(t, kerneltest.New())
	msg, err := set.NewMessage("x", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, set.Publish(message.Heartbeat, msg), channels.ErrUnknownChannel)
}
