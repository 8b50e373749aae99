package sync

import (
	"context"
)

// Adapted from the slides for "Rethinking Classical Concurrency Patterns" by Bryan C. Mills.

type Queue[T any] struct {
	items chan []T  // contains 0 or 1 non-empty slices
	empty chan bool // contains true if items is empty
}

func NewQueue[T any]() *Queue[T] {
	items := make(chan []T, 1)
	empty := make(chan bool, 1)
	empty <- true
	return &Queue[T]{items, empty}
}

func (q *Queue[T]) Put(item ...T) {
	if len(item) == 0 {
		return
	}

	var items []T
	select {
	case items = <-q.items:
	case <-q.empty:
	}
	items = append(items, item...)
	q.items <- items
}

// Get blocks until an item is available or ctx is done. The second result
// is false if ctx was cancelled.
func (q *Queue[T]) Get(ctx context.Context) (T, bool) {
	var items []T
	select {
	case <-ctx.Done():
		var zero T
		return zero, false
	case items = <-q.items:
	}

	return q.pop(items), true
}

// TryGet never blocks.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case items := <-q.items:
		return q.pop(items), true
	default:
		var zero T
		return zero, false
	}
}

func (q *Queue[T]) pop(items []T) T {
	item := items[0]
	items = items[1:]
	if len(items) == 0 {
		q.empty <- true
	} else {
		q.items <- items
	}

	return item
}

func (q *Queue[T]) Len() int {
	select {
	case items := <-q.items:
		n := len(items)
		q.items <- items
		return n
	case empty := <-q.empty:
		q.empty <- empty
		return 0
	}
}

// TakeWhile removes and returns the longest prefix of the queue whose items
// all satisfy keep. It never blocks.
func (q *Queue[T]) TakeWhile(keep func(T) bool) []T {
	var items []T
	select {
	case items = <-q.items:
	default:
		return nil
	}

	n := 0
	for n < len(items) && keep(items[n]) {
		n++
	}

	taken := append([]T(nil), items[:n]...)
	rest := items[n:]
	if len(rest) == 0 {
		q.empty <- true
	} else {
		q.items <- rest
	}

	return taken
}
