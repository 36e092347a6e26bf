// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import "context"

// Func is a generic operation that accepts an input and returns a result.
//
// The blocking steps of a [*Manager] are Func instances: [*ConnectFunc]
// dials, [*ListenFunc] listens, and [*ObserveConnFunc] composed with
// [*CancelWatchFunc] wraps each bound socket. They run outside of the
// dispatchers, which only receive their results.
//
// Resource cleanup contract: when a Func receives a closeable resource as input
// and returns an error, it is responsible for closing that resource before returning.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a function as a [Func] implementation.
//
// Use this to create ad-hoc [Func] instances from closures, for example to
// replace a step of the socket wrapping in tests.
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
