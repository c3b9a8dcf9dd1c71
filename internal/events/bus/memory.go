package bus

import (
	"sync"
)

// Subscription is a single subscriber's view of a session stream. Events
// queue without bound between Publish and the consumer, so a slow reader
// never blocks the publisher.
type Subscription struct {
	out    chan Event
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription() *Subscription {
	s := &Subscription{
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// C returns the channel events are delivered on. The channel is closed
// when the subscription is cancelled.
func (s *Subscription) C() <-chan Event {
	return s.out
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range pending {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// MemoryBus is the in-process EventBus implementation.
type MemoryBus struct {
	mu       sync.Mutex
	sessions map[string][]*Subscription
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		sessions: make(map[string][]*Subscription),
	}
}

// Publish delivers the event to every subscriber of the session.
func (b *MemoryBus) Publish(sessionID string, ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.sessions[sessionID]))
	copy(subs, b.sessions[sessionID])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}
}

// Subscribe registers a subscriber for the session.
func (b *MemoryBus) Subscribe(sessionID string) (*Subscription, func()) {
	sub := newSubscription()

	b.mu.Lock()
	b.sessions[sessionID] = append(b.sessions[sessionID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		subs := b.sessions[sessionID]
		for i, s := range subs {
			if s == sub {
				b.sessions[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		// Drop the session key once the last subscriber leaves.
		if len(b.sessions[sessionID]) == 0 {
			delete(b.sessions, sessionID)
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub, cancel
}

// Close closes all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.sessions {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.sessions = make(map[string][]*Subscription)
	return nil
}

var _ EventBus = (*MemoryBus)(nil)
