package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const subscriptionBuffer = 100

// Subscription receives the events that match its filter on C
type Subscription struct {
	Name   string
	C      <-chan *Event
	ch     chan *Event
	filter Filter
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription from the bus and closes C
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Bus fans lifecycle events out to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      atomic.Bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscription for events matching filter
func (b *Bus) Subscribe(name string, filter Filter) (*Subscription, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("event bus is closed")
	}

	ch := make(chan *Event, subscriptionBuffer)
	sub := &Subscription{Name: name, C: ch, ch: ch, filter: filter, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Publish emits an event to all matching subscribers. A subscriber whose
// buffer is full misses the event instead of blocking the publisher.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.dropped.Add(1)
		}
	}

	return nil
}

// Close shuts down the event bus and closes every subscription
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subscribers, sub)
	}

	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
