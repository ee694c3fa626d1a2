package pubsub

import "sync"

// Subscription is an attached consumer. Values arrive on C until the
// subscription is removed, after which C is closed.
type Subscription[T any] struct {
	out    chan T
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []T
}

func newSubscription[T any]() *Subscription[T] {
	s := &Subscription[T]{
		out:    make(chan T),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go s.pump()

	return s
}

// C returns the delivery channel.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Done is closed once the subscription has been removed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T

	if len(s.queue) == 0 {
		return zero, false
	}

	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]

	return v, true
}

func (s *Subscription[T]) pump() {
	defer close(s.out)

	for {
		v, ok := s.next()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
