// Package bus is the in-process change-notification channel connecting the
// persistence layer, the session hub, and the executor. It is a cache-level
// fanout only: the durable event log remains the source of truth, and
// consumers that miss a notice recover by replaying from the store.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 64

// Notice is a message published on the bus.
type Notice struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Notice
}

// Ch returns the channel to receive notices on.
func (s *Subscription) Ch() <-chan Notice {
	return s.ch
}

// Bus is a simple in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for notices matching the given topic
// prefix. An empty prefix matches all topics. The returned channel is
// buffered; slow consumers miss notices rather than block publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Notice, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends a notice to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the notice is dropped
// for that subscriber.
func (b *Bus) Publish(topic string, payload any) {
	notice := Notice{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- notice:
			default:
				// Buffer full, drop for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
