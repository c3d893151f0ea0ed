package host

import "sync"

// EventStream is a platform's outgoing event channel. Emit may be called
// from any goroutine, before or after Close.
type EventStream struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
	// mu is held for reading by every Emit and for writing while the
	// channel is closed, so no send can race the close.
	mu sync.RWMutex
}

func NewEventStream(buffer int) *EventStream {
	return &EventStream{ch: make(chan Event, buffer), done: make(chan struct{})}
}

// C is the receive side handed to the coordinator.
func (s *EventStream) C() <-chan Event { return s.ch }

// Emit delivers evt, waiting while the buffer is full. It reports false once
// the stream is closed.
func (s *EventStream) Emit(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- evt:
		return true
	case <-s.done:
		return false
	}
}

// Close releases blocked emitters and closes the channel. It is idempotent.
func (s *EventStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
