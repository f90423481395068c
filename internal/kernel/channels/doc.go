// Package channels binds the message channels of a running kernel and
// exposes them as a single shared Set.
//
// A Set owns one socket per channel (shell, control, stdin, iopub and the
// heartbeat). Every decoded message is fanned out to all subscriptions
// whose filter accepts it, so consumers read independently of each other,
// while any consumer may publish. Replies are correlated on parent header
// identity through an explicit table of outstanding calls:
//
//	set, err := channels.NewDialer(channels.NewZMQTransport()).Bind(ctx, info)
//	if err != nil {
//		return err
//	}
//	defer set.Close()
//
//	req, _ := set.NewMessage(message.TypeKernelInfoRequest, nil)
//	reply, err := set.Call(ctx, message.Shell, req, message.TypeKernelInfoReply)
//
// The Set is closed by whoever owns the kernel lifecycle. After Close every
// Publish and Call fails with ErrClosed and every subscription channel is
// closed once its queued messages have been delivered.
package channels
