// Package pubsub fans values out to any number of subscribers without ever
// blocking the publisher. Each subscription gets its own unbounded queue and
// goroutine, so a slow or absent reader only grows its own backlog.
package pubsub

import "sync"

// Publisher delivers published values to all current subscriptions, in
// publish order. A new subscription first receives the latest value.
type Publisher[T any] struct {
	mu        sync.Mutex
	latest    T
	hasLatest bool
	closed    bool
	subs      map[*Subscription[T]]struct{}
}

func New[T any]() *Publisher[T] {
	return &Publisher[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish records v as the latest value and queues it for every subscription.
func (p *Publisher[T]) Publish(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.latest, p.hasLatest = v, true

	for s := range p.subs {
		s.enqueue(v)
	}
}

// Subscribe returns a new subscription. The latest value, if any, is queued
// before any value published afterwards.
func (p *Publisher[T]) Subscribe() *Subscription[T] {
	s := newSubscription[T]()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		s.stop()

		return s
	}

	if p.hasLatest {
		s.enqueue(p.latest)
	}

	p.subs[s] = struct{}{}

	return s
}

// Unsubscribe detaches s and closes its channel. Queued values are dropped.
func (p *Publisher[T]) Unsubscribe(s *Subscription[T]) {
	if s == nil {
		return
	}

	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()

	s.stop()
}

// Latest returns the most recently published value.
func (p *Publisher[T]) Latest() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.latest, p.hasLatest
}

// Reset forgets the latest value so new subscribers start empty.
func (p *Publisher[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T

	p.latest, p.hasLatest = zero, false
}

// Len returns the number of active subscriptions.
func (p *Publisher[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.subs)
}

// Close unsubscribes everyone. Later publishes are ignored and later
// subscriptions are returned already closed.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[*Subscription[T]]struct{})
	p.closed = true
	p.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}
