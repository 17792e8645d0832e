// Package events provides an in-process publish/subscribe bus.
//
// The job store publishes status transitions here instead of calling into
// the workflow engine directly; consumers subscribe and react on their own
// goroutine.
package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after the bus has been closed.
var ErrClosed = errors.New("event bus closed")

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 256

// Bus fans every published value out to all current subscribers.
//
// Each subscriber owns a bounded buffer. Publish blocks while a subscriber's
// buffer is full, so slow consumers apply backpressure instead of losing
// events. Publish honors ctx and returns ctx.Err() when it gives up.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriptions buffer up to buffer values.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		buffer: buffer,
	}
}

// Subscription receives values published after it was created.
type Subscription[T any] struct {
	id   uint64
	bus  *Bus[T]
	ch   chan T
	done chan struct{}

	doneOnce sync.Once
}

// C returns the delivery channel. It is closed once the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from the bus. Safe to call repeatedly.
func (s *Subscription[T]) Close() {
	s.markDone()
	s.bus.remove(s.id)
}

func (s *Subscription[T]) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Subscribe registers a new subscriber.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription[T]{
		id:   b.nextID,
		bus:  b,
		ch:   make(chan T, b.buffer),
		done: make(chan struct{}),
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		sub.markDone()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber.
func (b *Bus[T]) Publish(ctx context.Context, ev T) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers reports the number of attached subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later Publish calls return ErrClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.markDone()
		close(sub.ch)
	}
}
