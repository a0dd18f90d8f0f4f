// Package broadcast implements a bounded, multi-subscriber fan-out
// channel. It is the Go stand-in for tokio::sync::broadcast: every
// subscriber gets every message published after it subscribed, in
// order, but a subscriber that falls behind the configured capacity
// silently drops its oldest buffered messages rather than blocking the
// publisher.
package broadcast

import "sync"

// DefaultCapacity is the default per-subscriber buffer size, matching
// the 1000-message capacity used throughout the reference design.
const DefaultCapacity = 1000

// Channel is a bounded broadcast channel carrying values of type T.
type Channel[T any] struct {
	mu          sync.Mutex
	capacity    int
	subscribers map[*Subscriber[T]]struct{}
	closed      bool
}

// Subscriber receives a copy of every message published after it
// subscribed. Lagging subscribers drop their oldest unread message to
// make room for new ones, instead of blocking the publisher.
type Subscriber[T any] struct {
	ch   chan T
	ch_  *Channel[T]
	once sync.Once
}

// New creates a broadcast channel with the given per-subscriber
// capacity. A capacity <= 0 uses DefaultCapacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel[T]{
		capacity:    capacity,
		subscribers: make(map[*Subscriber[T]]struct{}),
	}
}

// Subscribe registers a new subscriber that will receive every message
// published from this point on.
func (c *Channel[T]) Subscribe() *Subscriber[T] {
	s := &Subscriber[T]{
		ch:  make(chan T, c.capacity),
		ch_: c,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.subscribers[s] = struct{}{}
	}
	return s
}

// Publish delivers msg to every current subscriber. If a subscriber's
// buffer is full, its oldest buffered message is dropped to make room
// — publishing never blocks.
func (c *Channel[T]) Publish(msg T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for s := range c.subscribers {
		for {
			select {
			case s.ch <- msg:
			default:
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// ReceiverCount reports how many subscribers are currently attached.
func (c *Channel[T]) ReceiverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Close detaches all subscribers and marks the channel closed. Further
// Publish calls are no-ops; a detached subscriber's Recv still returns
// the messages already buffered for it, then zero, false.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for s := range c.subscribers {
		close(s.ch)
	}
	c.subscribers = make(map[*Subscriber[T]]struct{})
}

// Recv blocks until a message is available or the subscriber is
// unsubscribed/closed, in which case ok is false.
func (s *Subscriber[T]) Recv() (msg T, ok bool) {
	msg, ok = <-s.ch
	return
}

// C exposes the subscriber's channel for use in select statements.
func (s *Subscriber[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe detaches the subscriber from its channel. Safe to call
// more than once.
func (s *Subscriber[T]) Unsubscribe() {
	s.once.Do(func() {
		s.ch_.mu.Lock()
		defer s.ch_.mu.Unlock()
		if _, ok := s.ch_.subscribers[s]; ok {
			delete(s.ch_.subscribers, s)
			close(s.ch)
		}
	})
}
