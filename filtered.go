// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import "errors"

// FilteredCallbacks is the set of typed callbacks driven by a [*FilteredHandler].
type FilteredCallbacks[T any] interface {
	// OnBind is called once the connection is bound.
	OnBind() error

	// OnReceive is called once for each decoded unit, in order.
	OnReceive(unit T) error

	// OnClosing is called when the close sequence starts, with the units
	// decoded from the bytes that were still pending.
	OnClosing(ct ClosingType, units []T) error

	// OnClose is called when the connection is closed.
	OnClose()
}

// FilteredCallbacksFuncs implements [FilteredCallbacks] using functions.
//
// A nil function field is a no-op.
type FilteredCallbacksFuncs[T any] struct {
	OnBindFunc    func() error
	OnReceiveFunc func(unit T) error
	OnClosingFunc func(ct ClosingType, units []T) error
	OnCloseFunc   func()
}

var _ FilteredCallbacks[[]byte] = &FilteredCallbacksFuncs[[]byte]{}

// OnBind implements [FilteredCallbacks].
func (f *FilteredCallbacksFuncs[T]) OnBind() error {
	if f.OnBindFunc == nil {
		return nil
	}
	return f.OnBindFunc()
}

// OnReceive implements [FilteredCallbacks].
func (f *FilteredCallbacksFuncs[T]) OnReceive(unit T) error {
	if f.OnReceiveFunc == nil {
		return nil
	}
	return f.OnReceiveFunc(unit)
}

// OnClosing implements [FilteredCallbacks].
func (f *FilteredCallbacksFuncs[T]) OnClosing(ct ClosingType, units []T) error {
	if f.OnClosingFunc == nil {
		return nil
	}
	return f.OnClosingFunc(ct, units)
}

// OnClose implements [FilteredCallbacks].
func (f *FilteredCallbacksFuncs[T]) OnClose() {
	if f.OnCloseFunc != nil {
		f.OnCloseFunc()
	}
}

// NewFilteredHandler returns a new [*FilteredHandler].
//
// The factory argument creates the filter chain when the manager binds the
// handler to a connection.
//
// The callbacks argument receives the decoded units.
func NewFilteredHandler[T any](factory FilterFactory[T, []byte], callbacks FilteredCallbacks[T]) *FilteredHandler[T] {
	return &FilteredHandler[T]{
		Callbacks:    callbacks,
		factory:      factory,
		inEvents:     NewCoalescingQueue(SameOobEvent),
		inEventsOut:  NewQueue[*OobEvent](),
		inRaw:        NewQueue[[]byte](),
		inUnits:      NewQueue[T](),
		outEvents:    NewCoalescingQueue(SameOobEvent),
		outEventsOut: NewQueue[*OobEvent](),
		outRaw:       NewQueue[[]byte](),
		outUnits:     NewQueue[T](),
	}
}

// FilteredHandler is a [ConnectionHandler] that owns a filter chain and
// exchanges units of type T with the application.
//
// Inbound processing runs on the dispatcher without the connection lock;
// outbound processing runs with the connection lock held. The two directions
// use disjoint queues, so the filter chain sees each direction serialized.
type FilteredHandler[T any] struct {
	// Callbacks receives the decoded units.
	//
	// Set by [NewFilteredHandler] to the user-provided callbacks.
	Callbacks FilteredCallbacks[T]

	conn      Connection
	factory   FilterFactory[T, []byte]
	filter    OobFilter[T, []byte]
	filterErr error

	// inbound state, owned by the dispatcher
	inEvents    *Queue[*OobEvent]
	inEventsOut *Queue[*OobEvent]
	inRaw       *Queue[[]byte]
	inUnits     *Queue[T]

	// outbound state, guarded by the connection lock
	outEvents    *Queue[*OobEvent]
	outEventsOut *Queue[*OobEvent]
	outRaw       *Queue[[]byte]
	outUnits     *Queue[T]
}

var (
	_ ConnectionHandler = &FilteredHandler[[]byte]{}
	_ FilterContext     = &FilteredHandler[[]byte]{}
)

// SetConn implements [ConnectionHandler].
//
// This method creates the filter chain. A factory error is reported by
// OnBind and by every Send.
func (h *FilteredHandler[T]) SetConn(conn Connection) {
	h.conn = conn
	h.filter, h.filterErr = h.factory.NewFilter(h)
}

// Conn implements [ConnectionHandler] and [FilterContext].
func (h *FilteredHandler[T]) Conn() Connection {
	return h.conn
}

// OnBind implements [ConnectionHandler].
func (h *FilteredHandler[T]) OnBind() error {
	if h.filterErr != nil {
		return h.filterErr
	}
	ev := NewOobEvent(OobBind, nil)
	if _, err := h.inboundEvent(ev, nil); err != nil {
		return err
	}
	if err := h.Callbacks.OnBind(); err != nil {
		return err
	}
	_, err := h.outboundEvent(ev)
	return err
}

// OnReceive implements [ConnectionHandler].
//
// The data runs through the inbound chain and each decoded unit reaches
// [FilteredCallbacks.OnReceive].
func (h *FilteredHandler[T]) OnReceive(data []byte) error {
	if h.filterErr != nil {
		return h.filterErr
	}
	if len(data) > 0 {
		h.inRaw.Push(data)
	}
	if err := h.filter.ApplyInbound(ReadOnly(h.inRaw), WriteOnly(h.inUnits)); err != nil {
		h.inRaw.Clear()
		h.inUnits.Clear()
		return err
	}
	for {
		unit, ok := h.inUnits.Poll()
		if !ok {
			return nil
		}
		if err := h.Callbacks.OnReceive(unit); err != nil {
			h.inUnits.Clear()
			return err
		}
	}
}

// OnClosing implements [ConnectionHandler].
//
// The closing event travels inbound before the application is notified and
// outbound afterwards, so that filters (e.g., TLS) can emit their final
// bytes after the application's last units.
func (h *FilteredHandler[T]) OnClosing(ct ClosingType, remaining []byte) error {
	if h.filterErr != nil {
		return h.Callbacks.OnClosing(ct, nil)
	}
	ev := NewOobEvent(ct.oobEventType(), h.conn.Err())
	units, inErr := h.inboundEvent(ev, remaining)
	cbErr := h.Callbacks.OnClosing(ct, units)
	_, outErr := h.outboundEvent(ev)
	return errors.Join(inErr, cbErr, outErr)
}

// OnClose implements [ConnectionHandler].
//
// This method notifies the application and closes the filter chain.
func (h *FilteredHandler[T]) OnClose() {
	h.Callbacks.OnClose()
	if h.filter != nil {
		closeFilter(h.filter)
	}
}

// Send runs unit through the outbound chain and hands the resulting bytes
// to the connection.
//
// The return value is the number of bytes the connection still buffers. A
// filter error also closes the connection with [ClosingError].
func (h *FilteredHandler[T]) Send(unit T) (int, error) {
	h.conn.Lock()
	defer h.conn.Unlock()
	if h.filterErr != nil {
		return 0, h.filterErr
	}
	h.outUnits.Push(unit)
	return h.sendLocked()
}

// Flush implements [FilterContext].
func (h *FilteredHandler[T]) Flush() (int, error) {
	h.conn.Lock()
	defer h.conn.Unlock()
	if h.filterErr != nil {
		return 0, h.filterErr
	}
	return h.sendLocked()
}

func (h *FilteredHandler[T]) sendLocked() (int, error) {
	if err := h.filter.ApplyOutbound(ReadOnly(h.outUnits), WriteOnly(h.outRaw)); err != nil {
		h.outUnits.Clear()
		h.outRaw.Clear()
		h.conn.SetErr(err)
		return 0, err
	}
	remaining, sent := 0, false
	for {
		data, ok := h.outRaw.Poll()
		if !ok {
			break
		}
		if len(data) > 0 {
			remaining, sent = h.conn.Send(data), true
		}
	}
	if !sent {
		remaining = h.conn.Send(nil)
	}
	return remaining, nil
}

// inboundEvent feeds the remaining bytes and ev through the inbound chain and
// returns the decoded units. The filtered events are consumed here. After a
// closing event the data path runs once more, collecting the units filters
// release when they learn the connection is closing.
func (h *FilteredHandler[T]) inboundEvent(ev *OobEvent, remaining []byte) ([]T, error) {
	if len(remaining) > 0 {
		h.inRaw.Push(remaining)
	}
	if err := h.applyInbound(); err != nil {
		return nil, err
	}
	h.inEvents.Push(ev)
	err := h.filter.ApplyInboundOob(ReadOnly(h.inEvents), WriteOnly(h.inEventsOut))
	h.inEvents.Clear()
	h.inEventsOut.Clear()
	if err == nil && ev.Type.isClosing() {
		err = h.applyInbound()
	}
	return h.inUnits.Drain(), err
}

// applyInbound runs the inbound data path, discarding its queues on error.
func (h *FilteredHandler[T]) applyInbound() error {
	if err := h.filter.ApplyInbound(ReadOnly(h.inRaw), WriteOnly(h.inUnits)); err != nil {
		h.inRaw.Clear()
		h.inUnits.Clear()
		return err
	}
	return nil
}

// outboundEvent feeds ev through the outbound chain under the connection
// lock and then flushes the outbound data path.
func (h *FilteredHandler[T]) outboundEvent(ev *OobEvent) (int, error) {
	h.conn.Lock()
	defer h.conn.Unlock()
	h.outEvents.Push(ev)
	err := h.filter.ApplyOutboundOob(ReadOnly(h.outEvents), WriteOnly(h.outEventsOut))
	h.outEvents.Clear()
	h.outEventsOut.Clear()
	if err != nil {
		return 0, err
	}
	return h.sendLocked()
}
