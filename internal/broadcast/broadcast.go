// Package broadcast fans values out to independent, bounded subscribers.
//
// Every subscriber owns a buffered channel. Publish never blocks: when a
// subscriber's buffer is full its oldest undelivered value is discarded to
// make room, and the subscription's Dropped counter is incremented.
// SubscribeAll trades that bound for completeness: its overflow is queued
// instead of discarded. Closing the broadcaster closes every subscriber
// channel, which consumers observe as end-of-stream.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber capacity used when none is given.
const DefaultBuffer = 256

// Broadcaster delivers every published value to every live subscription.
// It is safe for concurrent use.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
	onDrop func(n int)
}

// New creates a broadcaster whose subscribers buffer up to buffer values.
// onDrop, if not nil, is called with the number of values discarded by a publish.
func New[T any](buffer int, onDrop func(n int)) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Subscribe registers a new subscription. Subscribing to a closed
// broadcaster returns an already-ended subscription.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	return b.subscribe(&Subscription[T]{b: b, ch: make(chan T, b.buffer)})
}

// SubscribeAll registers a subscription that never drops. Values that do not
// fit the channel buffer are queued without bound and delivered in order, and
// when the broadcaster closes the queue is drained before the channel closes.
// Publish still never blocks.
func (b *Broadcaster[T]) SubscribeAll() *Subscription[T] {
	s := &Subscription[T]{
		b:        b,
		ch:       make(chan T, b.buffer),
		lossless: true,
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	return b.subscribe(s)
}

func (b *Broadcaster[T]) subscribe(s *Subscription[T]) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	if s.lossless {
		go s.forward()
	}
	return s
}

// Publish offers v to every subscription and returns how many received it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	dropped := 0
	for s := range b.subs {
		if s.offer(v) {
			dropped++
		}
	}
	if dropped > 0 && b.onDrop != nil {
		b.onDrop(dropped)
	}
	return len(b.subs)
}

// Close ends every subscription. Further publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closed = true
		s.end()
	}
	clear(b.subs)
}

// Len returns the number of live subscriptions.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one subscriber's view of a broadcaster.
type Subscription[T any] struct {
	b       *Broadcaster[T]
	ch      chan T
	closed  bool // guarded by b.mu
	dropped atomic.Uint64

	// Lossless subscriptions only.
	lossless bool
	qmu      sync.Mutex
	queue    []T
	ended    bool
	notify   chan struct{}
	quit     chan struct{}
}

// C returns the receive channel. It is closed when the stream ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped returns how many values were discarded because the buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel. It is
// idempotent and safe to call after the broadcaster is closed.
func (s *Subscription[T]) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.b.subs, s)
	if s.lossless {
		close(s.quit)
		return
	}
	close(s.ch)
}

// end marks the stream finished. Called with b.mu held.
func (s *Subscription[T]) end() {
	if !s.lossless {
		close(s.ch)
		return
	}
	s.qmu.Lock()
	s.ended = true
	s.qmu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// forward moves queued values into ch until the stream ends and the queue
// is empty, or until Unsubscribe.
func (s *Subscription[T]) forward() {
	defer close(s.ch)
	for {
		s.qmu.Lock()
		batch, ended := s.queue, s.ended
		s.queue = nil
		s.qmu.Unlock()

		for _, v := range batch {
			select {
			case s.ch <- v:
			case <-s.quit:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if ended {
			return
		}
		select {
		case <-s.notify:
		case <-s.quit:
			return
		}
	}
}

// offer delivers v, evicting the oldest buffered value if needed.
// Called with b.mu held, so s is the only sender.
func (s *Subscription[T]) offer(v T) (evicted bool) {
	if s.lossless {
		s.qmu.Lock()
		s.queue = append(s.queue, v)
		s.qmu.Unlock()
		s.wake()
		return false
	}
	for {
		select {
		case s.ch <- v:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			evicted = true
		default:
		}
	}
}
