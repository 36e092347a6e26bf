// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrExecutorClosed indicates a task submitted to a closed executor.
var ErrExecutorClosed = errors.New("executor closed")

// Executor runs tasks outside of the dispatchers.
type Executor interface {
	Execute(task func()) error
}

// ExecutorFunc adapts a function to the [Executor] interface.
//
// For example, ExecutorFunc(func(task func()) error { task(); return nil })
// runs each task synchronously, which is handy in tests.
type ExecutorFunc func(task func()) error

var _ Executor = ExecutorFunc(nil)

// Execute implements [Executor].
func (f ExecutorFunc) Execute(task func()) error {
	return f(task)
}

// GoroutineExecutor is an [Executor] running each task in its own goroutine.
//
// The zero value is ready to use. Close waits for the running tasks.
type GoroutineExecutor struct {
	closed bool
	group  errgroup.Group
	mu     sync.Mutex
}

var _ Executor = &GoroutineExecutor{}

// Execute implements [Executor].
func (e *GoroutineExecutor) Execute(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.group.Go(func() error {
		task()
		return nil
	})
	return nil
}

// Close rejects new tasks and waits for the running ones.
func (e *GoroutineExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.group.Wait()
}
