// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"fmt"
	"log/slog"
	"sync"
)

// listeners is an ordered observer list. Callbacks run synchronously on the notifying
// goroutine, in subscription order, outside the list lock. A panicking callback is
// recovered and logged so later subscribers are still notified.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
	logger *slog.Logger
	name   string
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

func newListeners[T any](name string, logger *slog.Logger) *listeners[T] {
	return &listeners[T]{name: name, logger: logger}
}

// add registers fn and returns an idempotent unsubscribe function.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, sub := range l.subs {
				if sub.id == id {
					l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	snapshot := make([]subscription[T], len(l.subs))
	copy(snapshot, l.subs)
	l.mu.Unlock()

	for _, sub := range snapshot {
		l.call(sub, v)
	}
}

func (l *listeners[T]) call(sub subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Subscriber panicked", "listener", l.name, "subscription", sub.id,
				"panic", fmt.Sprint(r))
		}
	}()
	sub.fn(v)
}
