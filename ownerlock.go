// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"github.com/petermattis/goid"
)

// goroutineID returns the runtime identifier of the calling goroutine.
//
// Identifiers are positive, so zero never names a goroutine.
func goroutineID() int64 {
	id := goid.Get()
	runtimex.Assert(id > 0)
	return id
}

// ownerLock is a reentrant mutex that knows which goroutine holds it.
//
// Knowing the owner lets the TLS filter check its locking discipline
// exactly instead of trusting comments.
type ownerLock struct {
	depth int
	mu    sync.Mutex
	owner atomic.Int64
}

// Lock acquires the lock, incrementing the depth when already held.
func (l *ownerLock) Lock() {
	id := goroutineID()
	if l.owner.Load() == id {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(id)
	l.depth = 1
}

// Unlock releases one level of the lock.
//
// Unlocking a lock not held by the calling goroutine panics.
func (l *ownerLock) Unlock() {
	runtimex.Assert(l.owner.Load() == goroutineID())
	l.depth--
	if l.depth > 0 {
		return
	}
	l.owner.Store(0)
	l.mu.Unlock()
}

// HoldsLock returns whether the calling goroutine holds the lock.
func (l *ownerLock) HoldsLock() bool {
	return l.owner.Load() == goroutineID()
}
