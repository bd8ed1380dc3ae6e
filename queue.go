package main

import (
	"sync"

	"github.com/eapache/queue"
)

// fifo is a growable FIFO shared between the broker reactor and the
// session task. The payload stays in memory behind the mutex; the
// 1-slot wake channel only unblocks the consumer's select, exactly
// like the wake pipe it replaces, and never carries data.
type fifo[T any] struct {
	mu   sync.Mutex
	q    *queue.Queue
	wake chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{q: queue.New(), wake: make(chan struct{}, 1)}
}

// push appends v and nudges the consumer. Multiple pushes may coalesce
// into one wake; consumers drain with tryPop until empty.
func (f *fifo[T]) push(v T) {
	f.mu.Lock()
	f.q.Add(v)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// tryPop removes the oldest element, if any.
func (f *fifo[T]) tryPop() (T, bool) {
	var zero T
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.q.Length() == 0 {
		return zero, false
	}
	return f.q.Remove().(T), true
}

func (f *fifo[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}
