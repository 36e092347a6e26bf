// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

// Filter is a bidirectional transformation between units of type I, which
// are closer to the application, and units of type O, which are closer to
// the wire.
//
// Each method consumes everything currently queued in its input, pushes zero
// or more results into its output, and returns. Filters may keep internal
// state across calls (e.g., a partial frame), but they never leave input
// behind in the queue they were given.
type Filter[I, O any] interface {
	// ApplyInbound transforms wire-side units into application-side units.
	ApplyInbound(in Source[O], out Sink[I]) error

	// ApplyOutbound transforms application-side units into wire-side units.
	ApplyOutbound(in Source[I], out Sink[O]) error
}

// OobFilter is a [Filter] that also transforms out-of-band events.
type OobFilter[I, O any] interface {
	Filter[I, O]

	// ApplyInboundOob transforms events travelling toward the application.
	ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error

	// ApplyOutboundOob transforms events travelling toward the wire.
	ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error
}

// FilterContext is what a [FilterFactory] knows about the handler that is
// going to own the filter.
//
// The [*FilteredHandler] type implements this interface.
type FilterContext interface {
	// Conn returns the [Connection] the filter is bound to.
	Conn() Connection

	// Flush runs the outbound path with no new input and sends the result,
	// returning the number of bytes still buffered by the connection.
	Flush() (int, error)
}

// FilterFactory creates per-connection [OobFilter] instances.
type FilterFactory[I, O any] interface {
	NewFilter(fc FilterContext) (OobFilter[I, O], error)
}

// FilterFactoryFunc adapts a function to the [FilterFactory] interface.
type FilterFactoryFunc[I, O any] func(fc FilterContext) (OobFilter[I, O], error)

var _ FilterFactory[[]byte, []byte] = FilterFactoryFunc[[]byte, []byte](nil)

// NewFilter implements [FilterFactory].
func (f FilterFactoryFunc[I, O]) NewFilter(fc FilterContext) (OobFilter[I, O], error) {
	return f(fc)
}

// AsOob promotes a [Filter] to an [OobFilter] whose out-of-band methods
// forward events unchanged.
func AsOob[I, O any](filter Filter[I, O]) OobFilter[I, O] {
	if oob, ok := filter.(OobFilter[I, O]); ok {
		return oob
	}
	return &oobPassThrough[I, O]{filter}
}

type oobPassThrough[I, O any] struct {
	Filter[I, O]
}

func (f *oobPassThrough[I, O]) ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

func (f *oobPassThrough[I, O]) ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

// Close closes the wrapped filter when it implements [io.Closer].
func (f *oobPassThrough[I, O]) Close() error {
	return closeFilter(f.Filter)
}
