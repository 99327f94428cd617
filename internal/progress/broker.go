// Package progress notifies stream consumers that a project has new logs or a new status.
//
// Notifications carry no payload: the database stays the source of truth and a woken
// consumer re-reads from its cursor. Pending notifications for one subscriber coalesce,
// so a slow consumer never blocks a publisher.
package progress

import (
	"context"
	"sync"
)

// Broker publishes and subscribes to per-project change notifications
type Broker interface {
	// Publish wakes every subscriber of the project
	Publish(ctx context.Context, projectID int) error
	// Subscribe returns a channel that receives a value after each publish for the project,
	// and a function that releases the subscription
	Subscribe(ctx context.Context, projectID int) (<-chan struct{}, func(), error)
	Close() error
}

// MemoryBroker is an in-process Broker
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[int]map[chan struct{}]struct{}
	closed      bool
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subscribers: make(map[int]map[chan struct{}]struct{}),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, projectID int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[projectID] {
		notify(ch)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, projectID int) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}, nil
	}

	subs, ok := b.subscribers[projectID]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		b.subscribers[projectID] = subs
	}
	subs[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[projectID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subscribers, projectID)
				}
			}
		})
	}

	return ch, unsubscribe, nil
}

// Close closes every subscription channel
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for projectID, subs := range b.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(b.subscribers, projectID)
	}
	return nil
}

// subscriberCount is used by tests
func (b *MemoryBroker) subscriberCount(projectID int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[projectID])
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
