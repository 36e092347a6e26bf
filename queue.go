// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

// Source is the consuming end of a [*Queue].
//
// Filters receive their inputs as a Source and must drain it fully.
type Source[T any] interface {
	// Poll removes and returns the head element.
	Poll() (T, bool)

	// Peek returns the head element without removing it.
	Peek() (T, bool)

	// Len returns the number of queued elements.
	Len() int
}

// Sink is the producing end of a [*Queue].
//
// Filters push their results into a Sink.
type Sink[T any] interface {
	// Push appends an element.
	Push(value T)
}

// Queue is an unbounded FIFO connecting adjacent filters.
//
// The zero value is ready to use. A Queue is not safe for concurrent use: each
// queue belongs to one direction of one connection and the connection's
// threading contract serializes access to it.
type Queue[T any] struct {
	items []T

	// coalesce, when set, reports whether a pushed value duplicates the tail.
	coalesce func(tail, value T) bool
}

var (
	_ Source[int] = &Queue[int]{}
	_ Sink[int]   = &Queue[int]{}
)

// NewQueue returns an empty [*Queue].
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// NewCoalescingQueue returns a [*Queue] that drops a pushed value when same
// reports it duplicates the value currently at its tail.
//
// Repeated control events (e.g., two consecutive close requests) collapse
// into a single event this way.
func NewCoalescingQueue[T any](same func(tail, value T) bool) *Queue[T] {
	return &Queue[T]{coalesce: same}
}

// Push implements [Sink].
func (q *Queue[T]) Push(value T) {
	if q.coalesce != nil && len(q.items) > 0 && q.coalesce(q.items[len(q.items)-1], value) {
		return
	}
	q.items = append(q.items, value)
}

// Poll implements [Source].
func (q *Queue[T]) Poll() (T, bool) {
	var zero T
	if len(q.items) <= 0 {
		return zero, false
	}
	value := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return value, true
}

// Peek implements [Source].
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) <= 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Len implements [Source].
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Clear discards all queued elements.
func (q *Queue[T]) Clear() {
	clear(q.items)
	q.items = nil
}

// Drain removes and returns all queued elements in order.
func (q *Queue[T]) Drain() []T {
	out := q.items
	q.items = nil
	return out
}

// ReadOnly returns a view of q exposing only [Source] methods.
func ReadOnly[T any](q *Queue[T]) Source[T] {
	return readOnlyQueue[T]{q}
}

type readOnlyQueue[T any] struct {
	q *Queue[T]
}

func (r readOnlyQueue[T]) Poll() (T, bool) { return r.q.Poll() }
func (r readOnlyQueue[T]) Peek() (T, bool) { return r.q.Peek() }
func (r readOnlyQueue[T]) Len() int        { return r.q.Len() }

// WriteOnly returns a view of q exposing only [Sink] methods.
func WriteOnly[T any](q *Queue[T]) Sink[T] {
	return writeOnlyQueue[T]{q}
}

type writeOnlyQueue[T any] struct {
	q *Queue[T]
}

func (w writeOnlyQueue[T]) Push(value T) { w.q.Push(value) }

// Transfer moves every element of in to out, preserving order, and returns
// the number of elements moved.
func Transfer[T any](in Source[T], out Sink[T]) (count int) {
	for {
		value, ok := in.Poll()
		if !ok {
			return
		}
		out.Push(value)
		count++
	}
}
