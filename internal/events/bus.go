// Package events carries in-process notifications.
//
// Bus delivers typed events synchronously to every subscriber and never drops
// one; the dispatcher's recovery loop depends on that. Hub is the lossy,
// JSON-encoded fan-out behind the SSE endpoint.
package events

import (
	"sync"
	"time"
)

// Bus is a typed observer list guarded by a mutex.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]func(T)
	nextID int
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish calls every subscriber with ev on the caller's goroutine.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len reports the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// WorkerError reports a channel failure. One is published per failure.
type WorkerError struct {
	ChannelID string
	Runtime   string
	Err       error
	At        time.Time
}

// FileChange reports a changed file under the functions directory.
type FileChange struct {
	Path string
	Kind string // create | write | remove | rename
	Hash string // blake3 of the new contents, empty on remove
	At   time.Time
}
