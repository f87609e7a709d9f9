// Package events provides a typed publish/subscribe bus.
//
// Listeners registered with Subscribe are called synchronously, in
// registration order, on the publishing goroutine. Channel subscribers from
// Watch receive a copy without blocking the publisher; events are dropped
// for slow consumers.
package events

import (
	"context"
	"sync"
)

// Listener receives published events.
type Listener[T any] func(T)

// Bus fans one event out to every subscriber.
type Bus[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener[T]
	order     []uint64
	channels  map[chan T]struct{}
	buffer    int
}

// NewBus creates a bus. buffer sizes Watch channels; 0 means 64.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus[T]{
		listeners: make(map[uint64]Listener[T]),
		channels:  make(map[chan T]struct{}),
		buffer:    buffer,
	}
}

// Subscribe registers fn and returns a function that unregisters it.
// Calling the returned function more than once is harmless.
func (b *Bus[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Watch returns a channel that receives events until ctx is done, after
// which the channel is closed.
func (b *Bus[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	b.channels[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.channels, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish delivers event to every listener and channel.
func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	fns := make([]Listener[T], 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.listeners[id])
	}
	for ch := range b.channels {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Count returns the number of listeners and channels.
func (b *Bus[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners) + len(b.channels)
}
