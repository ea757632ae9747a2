// Package eventbus is a small typed publish/subscribe fan-out. One
// subscriber failing (or panicking) never prevents delivery to the others.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Bus delivers values of type T to all current subscribers, synchronously
// and in subscription order.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
	log    zerolog.Logger
}

func New[T any](log zerolog.Logger) *Bus[T] {
	return &Bus[T]{log: log}
}

// Subscribe registers fn and returns an unsubscribe func.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// Publish delivers v to every subscriber. A panic in one subscriber is
// logged and swallowed so the remaining subscribers still get the value.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.fn, v)
	}
}

func (b *Bus[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	fn(v)
}
