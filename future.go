// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"sync"
)

// Future is the asynchronous result of a request handled by a dispatcher.
//
// A Future resolves exactly once, with either a value or an error.
type Future[T any] struct {
	done  chan struct{}
	err   error
	once  sync.Once
	value T
}

// newFuture returns an unresolved [*Future].
func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// failedFuture returns a [*Future] already resolved with err.
func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// resolve sets the result unless the future is already resolved.
func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
	})
}

// Done returns a channel closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
