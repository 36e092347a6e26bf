// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

// IdentityFilter is an [OobFilter] that forwards data and events unchanged.
//
// A chain made only of identity filters is a pass-through. The zero value
// is ready to use.
type IdentityFilter[T any] struct{}

var _ OobFilter[[]byte, []byte] = &IdentityFilter[[]byte]{}

// NewIdentityFilter returns a new [*IdentityFilter].
func NewIdentityFilter[T any]() *IdentityFilter[T] {
	return &IdentityFilter[T]{}
}

// ApplyInbound implements [Filter].
func (*IdentityFilter[T]) ApplyInbound(in Source[T], out Sink[T]) error {
	Transfer(in, out)
	return nil
}

// ApplyOutbound implements [Filter].
func (*IdentityFilter[T]) ApplyOutbound(in Source[T], out Sink[T]) error {
	Transfer(in, out)
	return nil
}

// ApplyInboundOob implements [OobFilter].
func (*IdentityFilter[T]) ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

// ApplyOutboundOob implements [OobFilter].
func (*IdentityFilter[T]) ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

// IdentityFilterFactory is a [FilterFactory] of [*IdentityFilter].
//
// The zero value is ready to use.
type IdentityFilterFactory[T any] struct{}

var _ FilterFactory[[]byte, []byte] = IdentityFilterFactory[[]byte]{}

// NewFilter implements [FilterFactory].
func (IdentityFilterFactory[T]) NewFilter(fc FilterContext) (OobFilter[T, T], error) {
	return NewIdentityFilter[T](), nil
}
