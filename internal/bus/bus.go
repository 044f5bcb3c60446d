// Package bus is the in-process publish/subscribe router every fleet
// component talks through.
//
// Publish appends to a single unbounded FIFO served by one dispatch loop
// (Run). Handlers for a topic are called synchronously on that loop in
// registration order, so anything slow must be moved to its own goroutine.
// There is no retry and no backpressure: a publisher that outpaces the
// handlers grows the queue without limit.
package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"fleet-dispatcher/internal/protocol"
	"go.uber.org/zap"
)

// maxDrain bounds the number of messages delivered after Run's context is
// cancelled, in case handlers keep publishing in response to each other.
const maxDrain = 10000

// Handler processes one delivered message. A returned error is logged.
type Handler func(msg protocol.Message) error

// Publisher is the send side of the bus.
type Publisher interface {
	Publish(msg protocol.Message)
}

type subscription struct {
	identity string
	handler  Handler
}

// Bus routes messages from publishers to subscribers.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[protocol.Topic][]subscription

	queueMu sync.Mutex
	queue   []protocol.Message
	notify  chan struct{}

	logger *zap.Logger
}

// New creates a bus. Call Run to start delivery.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subscriptions: make(map[protocol.Topic][]subscription),
		notify:        make(chan struct{}, 1),
		logger:        logger.With(zap.String("component", "bus")),
	}
}

// Subscribe registers handler for topic on behalf of identity. Messages with
// a recipient are only delivered to handlers whose identity matches.
// Subscriptions are append-only.
func (b *Bus) Subscribe(topic protocol.Topic, identity string, handler Handler) {
	b.mu.Lock()
	b.subscriptions[topic] = append(b.subscriptions[topic], subscription{
		identity: identity,
		handler:  handler,
	})
	b.mu.Unlock()

	b.logger.Debug("New subscription",
		zap.String("topic", string(topic)),
		zap.String("identity", identity))
}

// Publish enqueues msg for delivery. It never blocks.
func (b *Bus) Publish(msg protocol.Message) {
	b.queueMu.Lock()
	b.queue = append(b.queue, msg)
	b.queueMu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of messages waiting for delivery.
func (b *Bus) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// SubscriptionCount returns the number of handlers registered for topic.
func (b *Bus) SubscriptionCount(topic protocol.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[topic])
}

// Run is the dispatch loop. It returns after ctx is cancelled and the
// messages already queued have been delivered.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("Message bus running")

	for {
		if ctx.Err() != nil {
			b.drain()
			b.logger.Info("Message bus stopped")
			return
		}

		if msg, ok := b.next(); ok {
			b.dispatch(msg)
			continue
		}

		select {
		case <-ctx.Done():
		case <-b.notify:
		}
	}
}

func (b *Bus) drain() {
	for i := 0; i < maxDrain; i++ {
		msg, ok := b.next()
		if !ok {
			return
		}
		b.dispatch(msg)
	}
	b.logger.Warn("Drain limit reached, dropping remaining messages",
		zap.Int("dropped", b.Pending()))
}

func (b *Bus) next() (protocol.Message, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if len(b.queue) == 0 {
		return protocol.Message{}, false
	}
	msg := b.queue[0]
	b.queue[0] = protocol.Message{}
	b.queue = b.queue[1:]
	return msg, true
}

func (b *Bus) dispatch(msg protocol.Message) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscriptions[msg.Topic]))
	copy(subs, b.subscriptions[msg.Topic])
	b.mu.RUnlock()

	broadcast := msg.IsBroadcast()
	for _, sub := range subs {
		if !broadcast && sub.identity != msg.RecipientID {
			continue
		}
		if err := b.safeCall(sub, msg); err != nil {
			b.logger.Error("Handler failed",
				zap.String("topic", string(msg.Topic)),
				zap.String("identity", sub.identity),
				zap.String("sender", msg.SenderID),
				zap.Error(err))
		}
	}
}

// safeCall turns a handler panic into an error so one handler cannot stop
// delivery to the rest.
func (b *Bus) safeCall(sub subscription, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return sub.handler(msg)
}
