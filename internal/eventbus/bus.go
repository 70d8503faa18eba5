// Package eventbus is a small in-memory fanout bus used to decouple the
// session state machine from the components that want to observe it.
//
// The bus is typed: each instance carries exactly one payload type, so
// subscribers never type-assert. Publish is non-blocking; subscribers use
// buffered channels and slow ones drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
)

type Bus[T any] interface {
	Publish(v T)
	Subscribe(buffer int) (ch <-chan T, unsubscribe func())
}

// New returns an in-memory bus. It owns no background goroutines.
func New[T any]() Bus[T] {
	return &memBus[T]{subs: map[uint64]chan T{}}
}

type memBus[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64
}

func (b *memBus[T]) Publish(v T) {
	b.mu.RLock()
	chs := make([]chan T, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently closed channel would panic,
		// so recover and move on.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- v:
			default:
			}
		}()
	}
}

func (b *memBus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan T, buffer)
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
