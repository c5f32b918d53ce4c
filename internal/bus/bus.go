// Package bus provides a small in-process, typed publish/subscribe
// dispatcher. It demultiplexes events to subscribers; it is not itself a
// queue. Each subscriber owns a bounded inbox with drop-oldest overflow,
// and observes events for its topic in publish order.
package bus

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/edge-agent/agent/internal/logging"
)

var log = logging.L("bus")

// defaultInboxSize is the per-subscriber bounded queue size (§5 backpressure).
const defaultInboxSize = 32

// Handler processes one event. It runs on the subscriber's own goroutine,
// never on the publisher's goroutine, so a slow or panicking handler cannot
// block Publish or other subscribers.
type Handler func(topic string, event any)

// Token cancels a subscription. Cancellation is idempotent.
type Token struct {
	cancel func()
}

// Cancel unsubscribes the associated handler. Safe to call more than once
// and safe to call concurrently with delivery.
func (t Token) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

type subscriber struct {
	id      uint64
	topic   string
	inbox   chan any
	stop    chan struct{}
	stopped atomic.Bool
}

// Bus is a typed topic-based dispatcher. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	nextID      atomic.Uint64
	dropped     atomic.Uint64 // total events dropped to overflow, across all subscribers
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe registers handler to receive every event published to topic,
// in publish order. Returns a Token used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) Token {
	sub := &subscriber{
		id:    b.nextID.Add(1),
		topic: topic,
		inbox: make(chan any, defaultInboxSize),
		stop:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go b.deliverLoop(sub, handler)

	return Token{cancel: func() { b.unsubscribe(topic, sub) }}
}

func (b *Bus) deliverLoop(sub *subscriber, handler Handler) {
	for {
		select {
		case event, ok := <-sub.inbox:
			if !ok {
				return
			}
			b.dispatch(sub.topic, event, handler)
		case <-sub.stop:
			// Drain whatever is already queued before exiting so a
			// cancel racing with in-flight publishes does not lose
			// events silently queued just before it.
			for {
				select {
				case event, ok := <-sub.inbox:
					if !ok {
						return
					}
					b.dispatch(sub.topic, event, handler)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(topic string, event any, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber handler panicked", "topic", topic, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(topic, event)
}

func (b *Bus) unsubscribe(topic string, target *subscriber) {
	if !target.stopped.CompareAndSwap(false, true) {
		return // already unsubscribed
	}

	b.mu.Lock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == target {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(target.stop)
}

// Publish enqueues event to every current subscriber of topic. It never
// blocks: a subscriber whose inbox is full has its oldest queued event
// dropped (logged, counted) to make room. Publish itself is non-blocking
// from the publisher's perspective; it does not wait for handlers to run.
func (b *Bus) Publish(topic string, event any) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.enqueue(sub, event)
	}
}

func (b *Bus) enqueue(sub *subscriber, event any) {
	select {
	case sub.inbox <- event:
		return
	default:
	}

	// Inbox full: drop the oldest queued event and retry once. Another
	// publisher could race us for the freed slot, so fall back to a
	// direct drop of the new event if the retry also fails.
	select {
	case <-sub.inbox:
		b.dropped.Add(1)
		log.Warn("subscriber inbox overflow, dropping oldest event", "topic", sub.topic)
	default:
	}

	select {
	case sub.inbox <- event:
	default:
		b.dropped.Add(1)
		log.Warn("subscriber inbox overflow, dropping new event", "topic", sub.topic)
	}
}

// DroppedCount returns the total number of events dropped to overflow
// across all subscribers and topics, for diagnostics/metrics.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}
