package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: closed")

type subscriber[T any] struct {
	name string
	ch   chan T
}

// Bus fans typed events out to every subscriber channel.
// Publish blocks until each subscriber has accepted the event, so a slow
// observer applies back-pressure instead of losing events.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []*subscriber[T]
	closed bool
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers an observer and returns its receive channel.
// The channel is closed by Close.
func (b *Bus[T]) Subscribe(name string, buffer int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, &subscriber[T]{name: name, ch: ch})
	return ch
}

// Publish delivers ev to every subscriber, in subscription order.
func (b *Bus[T]) Publish(ctx context.Context, ev T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting events and closes every subscriber channel.
// Buffered events stay readable until drained.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
}

// Drain calls fn for each event until ch is closed.
func Drain[T any](ch <-chan T, fn func(T)) {
	for ev := range ch {
		fn(ev)
	}
}
