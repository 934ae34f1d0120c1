// Package bus provides the in-process typed event broker shared by every
// core component: an open set of topics so each component can publish its
// own named events (device transitions, batch lifecycle, sync state, cloud
// reachability) through one shared instance.
package bus

import (
	"sync"
	"time"
)

// Topic identifies an event's kind, e.g. "device:online" or "event:captured".
type Topic string

// Event is a single published notification. Payload carries the
// topic-specific data (a *types.Device, *types.WeighingEvent, etc.) and is
// the receiver's responsibility to type-assert.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Bus distributes published events to all active subscribers. Publish never
// blocks on a slow subscriber: each subscriber has its own bounded buffer and
// a full buffer simply drops the event for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a new, unstarted Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the distribution loop. Safe to call once; idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Never call this while
// holding a mutex a subscriber's handler might try to re-enter.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := &Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	select {
	case b.eventCh <- evt:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case evt := <-b.eventCh:
			b.broadcast(evt)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(evt *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
