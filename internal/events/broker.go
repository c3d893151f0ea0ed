// Package events provides the in-process fan-out used for connection and
// relay lifecycle notifications.
package events

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Broker fans out values of type T to every subscriber.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      atomic.Int64
	dropped     atomic.Int64
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[int64]chan T),
	}
}

// Subscribe registers a new listener. The channel is buffered; slow consumers
// have events dropped.
func (b *Broker[T]) Subscribe() (int64, <-chan T) {
	id := b.nextID.Add(1)
	ch := make(chan T, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Broker[T]) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks.
func (b *Broker[T]) Publish(evt T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broker[T]) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}
