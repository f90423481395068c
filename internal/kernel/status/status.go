// Package status projects iopub status messages into execution states.
package status

import (
	"context"

	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// Transition is one execution state reported by the kernel.
type Transition struct {
	State message.ExecutionState

	// ParentID is the request that caused the transition, or "" for
	// transitions the kernel reports on its own (such as starting).
	ParentID string
}

// Watch subscribes to status messages on set and returns the states in the
// order the kernel published them. Repeated states are kept.
//
// The channel is closed when the set closes and every received status has
// been delivered, or when ctx is done. Each call is an independent
// subscription.
func Watch(ctx context.Context, set *channels.Set) <-chan Transition {
	sub := set.Subscribe(channels.All(
		channels.OnChannel(message.IOPub),
		channels.OfType(message.TypeStatus),
	))

	out := make(chan Transition)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			var msg *message.Message
			select {
			case m, ok := <-sub.C():
				if !ok {
					return
				}
				msg = m
			case <-ctx.Done():
				return
			}

			content, err := msg.Parse()
			if err != nil {
				continue
			}
			st, ok := content.(*message.Status)
			if !ok {
				continue
			}

			select {
			case out <- Transition{State: st.ExecutionState, ParentID: msg.ParentID()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// States is Watch reduced to the bare execution states.
func States(ctx context.Context, set *channels.Set) <-chan message.ExecutionState {
	transitions := Watch(ctx, set)
	out := make(chan message.ExecutionState)
	go func() {
		defer close(out)
		for tr := range transitions {
			select {
			case out <- tr.State:
			case <-ctx.Done():
				// Drain so Watch can observe ctx and exit.
				for range transitions {
				}
				return
			}
		}
	}()
	return out
}
