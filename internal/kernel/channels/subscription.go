package channels

import (
	"sync"

	"github.com/dshills/nbkernel/internal/kernel/message"
)

// Filter selects the messages a subscription receives.
type Filter func(*message.Message) bool

// OfType accepts messages whose type is one of types.
func OfType(types ...string) Filter {
	return func(m *message.Message) bool {
		for _, t := range types {
			if m.Type() == t {
				return true
			}
		}
		return false
	}
}

// OnChannel accepts messages that arrived on one of chs.
func OnChannel(chs ...message.Channel) Filter {
	return func(m *message.Message) bool {
		for _, ch := range chs {
			if m.Channel == ch {
				return true
			}
		}
		return false
	}
}

// ChildOf accepts messages whose parent header references id.
func ChildOf(id string) Filter {
	return func(m *message.Message) bool {
		return m.IsChildOf(id)
	}
}

// All accepts messages accepted by every filter. All() accepts everything.
func All(filters ...Filter) Filter {
	return func(m *message.Message) bool {
		for _, f := range filters {
			if !f(m) {
				return false
			}
		}
		return true
	}
}

// Subscription is one consumer's view of a Set.
//
// Messages are queued without bound so a slow consumer never stalls the
// channel readers or other subscribers. C is closed after Unsubscribe, or
// once the Set has closed and every queued message has been received. A
// consumer must either drain C or call Unsubscribe.
type Subscription struct {
	set    *Set
	filter Filter

	out    chan *message.Message
	signal chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	queue    []*message.Message
	ended    bool
	stopOnce sync.Once
}

func newSubscription(set *Set, filter Filter) *Subscription {
	if filter == nil {
		filter = All()
	}
	sub := &Subscription{
		set:    set,
		filter: filter,
		out:    make(chan *message.Message),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// C returns the channel of accepted messages.
func (sub *Subscription) C() <-chan *message.Message {
	return sub.out
}

// Unsubscribe detaches the subscription and closes C. Queued messages are
// discarded. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.stopOnce.Do(func() {
		close(sub.stop)
	})
	if sub.set != nil {
		sub.set.unsubscribe(sub)
	}
}

// deliver queues m if the filter accepts it.
func (sub *Subscription) deliver(m *message.Message) {
	if !sub.filter(m) {
		return
	}
	sub.mu.Lock()
	if sub.ended {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, m)
	sub.mu.Unlock()
	sub.wake()
}

// end marks the producer side finished.
func (sub *Subscription) end() {
	sub.mu.Lock()
	sub.ended = true
	sub.mu.Unlock()
	sub.wake()
}

func (sub *Subscription) wake() {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 {
			if sub.ended {
				sub.mu.Unlock()
				return
			}
			sub.mu.Unlock()
			select {
			case <-sub.signal:
			case <-sub.stop:
				return
			}
			sub.mu.Lock()
		}
		m := sub.queue[0]
		sub.queue[0] = nil
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- m:
		case <-sub.stop:
			return
		}
	}
}
