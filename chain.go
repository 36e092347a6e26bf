//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.0/internal/x/dslx/fxcore.go
//

package pipenet

import (
	"errors"
	"io"
)

// Chain2 composes two filters into a single [OobFilter].
//
// The outer filter is the one closer to the wire. Inbound data and events
// flow through outer and then inner; outbound data and events flow through
// inner and then outer. Intermediate queues connect the two filters.
func Chain2[A, B, W any](outer OobFilter[B, W], inner OobFilter[A, B]) OobFilter[A, W] {
	return &chain2[A, B, W]{
		outer:     outer,
		inner:     inner,
		midIn:     NewQueue[B](),
		midOut:    NewQueue[B](),
		midInEvs:  NewQueue[*OobEvent](),
		midOutEvs: NewQueue[*OobEvent](),
	}
}

type chain2[A, B, W any] struct {
	outer     OobFilter[B, W]
	inner     OobFilter[A, B]
	midIn     *Queue[B]
	midOut    *Queue[B]
	midInEvs  *Queue[*OobEvent]
	midOutEvs *Queue[*OobEvent]
}

func (c *chain2[A, B, W]) ApplyInbound(in Source[W], out Sink[A]) error {
	if err := c.outer.ApplyInbound(in, WriteOnly(c.midIn)); err != nil {
		return err
	}
	return c.inner.ApplyInbound(ReadOnly(c.midIn), out)
}

func (c *chain2[A, B, W]) ApplyOutbound(in Source[A], out Sink[W]) error {
	if err := c.inner.ApplyOutbound(in, WriteOnly(c.midOut)); err != nil {
		return err
	}
	return c.outer.ApplyOutbound(ReadOnly(c.midOut), out)
}

func (c *chain2[A, B, W]) ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	if err := c.outer.ApplyInboundOob(in, WriteOnly(c.midInEvs)); err != nil {
		return err
	}
	return c.inner.ApplyInboundOob(ReadOnly(c.midInEvs), out)
}

func (c *chain2[A, B, W]) ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	if err := c.inner.ApplyOutboundOob(in, WriteOnly(c.midOutEvs)); err != nil {
		return err
	}
	return c.outer.ApplyOutboundOob(ReadOnly(c.midOutEvs), out)
}

// Close closes both filters, inner first.
func (c *chain2[A, B, W]) Close() error {
	return errors.Join(closeFilter(c.inner), closeFilter(c.outer))
}

// Chain3 composes three filters, listed from the wire toward the application.
func Chain3[A, B, C, W any](f0 OobFilter[C, W], f1 OobFilter[B, C], f2 OobFilter[A, B]) OobFilter[A, W] {
	return Chain2(f0, Chain2(f1, f2))
}

// Chain4 composes four filters, listed from the wire toward the application.
func Chain4[A, B, C, D, W any](
	f0 OobFilter[D, W], f1 OobFilter[C, D], f2 OobFilter[B, C], f3 OobFilter[A, B]) OobFilter[A, W] {
	return Chain2(f0, Chain3(f1, f2, f3))
}

// ChainN composes any number of filters sharing the same unit type, listed
// from the wire toward the application.
//
// With no filters, ChainN returns an identity filter.
func ChainN[T any](filters ...OobFilter[T, T]) OobFilter[T, T] {
	switch len(filters) {
	case 0:
		return NewIdentityFilter[T]()
	case 1:
		return filters[0]
	default:
		return Chain2(filters[0], ChainN(filters[1:]...))
	}
}

// ChainFactory2 composes two [FilterFactory] instances into a factory of
// filters built with [Chain2].
func ChainFactory2[A, B, W any](outer FilterFactory[B, W], inner FilterFactory[A, B]) FilterFactory[A, W] {
	return FilterFactoryFunc[A, W](func(fc FilterContext) (OobFilter[A, W], error) {
		f0, err := outer.NewFilter(fc)
		if err != nil {
			return nil, err
		}
		f1, err := inner.NewFilter(fc)
		if err != nil {
			closeFilter(f0)
			return nil, err
		}
		return Chain2(f0, f1), nil
	})
}

// ChainFactory3 composes three [FilterFactory] instances, listed from the
// wire toward the application.
func ChainFactory3[A, B, C, W any](
	f0 FilterFactory[C, W], f1 FilterFactory[B, C], f2 FilterFactory[A, B]) FilterFactory[A, W] {
	return ChainFactory2(f0, ChainFactory2(f1, f2))
}

// ChainFactoryN composes any number of [FilterFactory] instances sharing the
// same unit type, listed from the wire toward the application.
func ChainFactoryN[T any](factories ...FilterFactory[T, T]) FilterFactory[T, T] {
	return FilterFactoryFunc[T, T](func(fc FilterContext) (OobFilter[T, T], error) {
		filters := make([]OobFilter[T, T], 0, len(factories))
		for _, factory := range factories {
			filter, err := factory.NewFilter(fc)
			if err != nil {
				for _, f := range filters {
					closeFilter(f)
				}
				return nil, err
			}
			filters = append(filters, filter)
		}
		return ChainN(filters...), nil
	})
}

// closeFilter closes filter when it implements [io.Closer].
func closeFilter(filter any) error {
	if closer, ok := filter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
