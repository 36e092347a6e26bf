// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// ErrClosed indicates an operation on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a connection managed by a [*Manager].
//
// The dispatcher owning a Conn is the only goroutine that runs its handler
// callbacks and its inbound path. Any goroutine may call Send, which runs
// under the connection lock.
type Conn struct {
	// immutable after construction
	dispatcher *dispatcher
	future     *Future[*Conn]
	handler    ConnectionHandler
	name       string

	// closed is closed when the connection reaches [StateClosed].
	closed chan struct{}

	// readResume allows the reader goroutine to perform one more read.
	readResume chan struct{}

	// writeWake wakes the writer goroutine.
	writeWake chan struct{}

	// guarded by lock
	lock         ownerLock
	backlog      []byte
	inflight     bool
	sock         socket
	writeEnabled bool

	// owned by the dispatcher
	accept          *acceptEntry
	closePending    bool
	closingNotified bool
	pendingRead     []byte
	readEnabled     bool
	readParked      bool

	addrs          atomic.Pointer[connAddrs]
	closeRequested atomic.Bool
	lingering      atomic.Bool
	errMu          sync.Mutex
	err            error
	state          atomic.Int32
}

// connAddrs holds the addresses of a bound connection.
type connAddrs struct {
	local  net.Addr
	remote net.Addr
}

var _ Connection = &Conn{}

// newConn creates a [*Conn] owned by d and bound to handler.
func newConn(d *dispatcher, handler ConnectionHandler) *Conn {
	return &Conn{
		dispatcher:   d,
		future:       newFuture[*Conn](),
		handler:      handler,
		name:         NewSpanID(),
		closed:       make(chan struct{}),
		readResume:   make(chan struct{}, 1),
		writeWake:    make(chan struct{}, 1),
		writeEnabled: true,
		readEnabled:  true,
	}
}

// Name implements [Connection].
func (c *Conn) Name() string {
	return c.name
}

// String implements [fmt.Stringer].
func (c *Conn) String() string {
	return c.name
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Handler returns the handler bound to the connection.
func (c *Conn) Handler() ConnectionHandler {
	return c.handler
}

// LocalAddr implements [Connection].
func (c *Conn) LocalAddr() net.Addr {
	if addrs := c.addrs.Load(); addrs != nil {
		return addrs.local
	}
	return nil
}

// RemoteAddr implements [Connection].
func (c *Conn) RemoteAddr() net.Addr {
	if addrs := c.addrs.Load(); addrs != nil {
		return addrs.remote
	}
	return nil
}

// Lock implements [Connection].
func (c *Conn) Lock() {
	c.lock.Lock()
}

// Unlock implements [Connection].
func (c *Conn) Unlock() {
	c.lock.Unlock()
}

// HoldsLock implements [Connection].
func (c *Conn) HoldsLock() bool {
	return c.lock.HoldsLock()
}

// IsManagerThread implements [Connection].
func (c *Conn) IsManagerThread() bool {
	return c.dispatcher.isCurrent()
}

// Send implements [Connection].
//
// When the connection is bound and nothing is pending, Send first tries to
// write data immediately without blocking. Whatever is left is appended to
// the write backlog, which the connection's writer drains when the socket
// accepts more bytes. Before binding, everything is buffered. The return
// value is the size of the backlog. Calling Send with no data only reports it.
//
// The immediate write goes to the raw socket, below any [net.Conn] wrapping,
// so Send logs it as writeImmediate.
func (c *Conn) Send(data []byte) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() == StateClosed {
		return 0
	}
	if len(data) > 0 && c.sock != nil && c.writeEnabled && len(c.backlog) <= 0 && !c.inflight {
		count, err := c.writeImmediate(data)
		if err != nil {
			c.SetErr(err)
			return 0
		}
		data = data[count:]
	}
	if len(data) > 0 {
		c.backlog = AppendBuffer(c.backlog, data, 1)
		c.wakeWriterLocked()
	}
	return len(c.backlog)
}

// writeImmediate runs tryWrite and logs the attempt when it wrote bytes or failed.
func (c *Conn) writeImmediate(data []byte) (int, error) {
	mgr := c.dispatcher.mgr
	t0 := mgr.TimeNow()
	count, err := c.sock.tryWrite(data)
	if count > 0 || err != nil {
		mgr.Logger.Debug(
			"writeImmediate",
			slog.String("connName", c.name),
			slog.Any("err", err),
			slog.String("errClass", mgr.ErrClassifier.Classify(err)),
			slog.Int("ioBufferSize", len(data)),
			slog.Int("ioBytesCount", count),
			slog.Time("t0", t0),
			slog.Time("t", mgr.TimeNow()),
		)
	}
	return count, err
}

// SetEnabled implements [Connection].
func (c *Conn) SetEnabled(op Operation, enabled bool) {
	if op == OpWrite {
		c.lock.Lock()
		c.writeEnabled = enabled
		c.wakeWriterLocked()
		c.lock.Unlock()
		return
	}
	c.dispatcher.post(event{kind: eventOp, conn: c, enabled: enabled})
}

// Err implements [Connection].
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SetErr implements [Connection].
//
// The first recorded error wins and is what Err returns after the close.
func (c *Conn) SetErr(err error) {
	if err == nil || c.State() == StateClosed {
		return
	}
	c.recordErr(err)
	c.dispatcher.post(event{kind: eventError, conn: c, err: err})
}

// Close implements [Connection].
//
// Close is idempotent and returns immediately: the close sequence runs on
// the owning dispatcher after any data already queued has been written.
func (c *Conn) Close() error {
	if c.closeRequested.Swap(true) {
		return nil
	}
	c.dispatcher.post(event{kind: eventClose, conn: c})
	return nil
}

// Linger implements [Connection].
//
// Holding takes effect immediately, so a filter may call Linger from
// OnClosing. Releasing lets the dispatcher complete the close.
func (c *Conn) Linger(hold bool) {
	if c.lingering.Swap(hold) && !hold {
		c.dispatcher.post(event{kind: eventLinger, conn: c})
	}
}

// acceptsInput returns whether reads are still delivered to the handler.
func (c *Conn) acceptsInput() bool {
	switch c.State() {
	case StateOpen:
		return true
	case StateClosing:
		return c.lingering.Load()
	default:
		return false
	}
}

// Invoke runs task on the dispatcher owning conn and returns its result
// asynchronously.
//
// The future fails with [ErrManagerClosed] if the manager shuts down before
// the task runs.
func Invoke[V any](conn *Conn, task func() (V, error)) *Future[V] {
	f := newFuture[V]()
	ev := event{
		kind: eventInvoke,
		conn: conn,
		run: func(*dispatcher) {
			f.resolve(task())
		},
		fail: func(err error) {
			var zero V
			f.resolve(zero, err)
		},
	}
	if !conn.dispatcher.post(ev) {
		ev.fail(ErrManagerClosed)
	}
	return f
}

func (c *Conn) recordErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// wakeWriterLocked wakes the writer when there is something it can write.
func (c *Conn) wakeWriterLocked() {
	if c.sock == nil || !c.writeEnabled || len(c.backlog) <= 0 {
		return
	}
	select {
	case c.writeWake <- struct{}{}:
	default:
	}
}

// drainedLocked returns whether every buffered byte has been written.
func (c *Conn) drainedLocked() bool {
	return len(c.backlog) <= 0 && !c.inflight
}

// resumeRead allows the reader to perform its next read.
func (c *Conn) resumeRead() {
	select {
	case c.readResume <- struct{}{}:
	default:
	}
}

// readLoop reads from the socket on behalf of the owning dispatcher.
//
// Each read waits for a resume token, so the reader is never more than one
// read ahead of the dispatcher.
func (c *Conn) readLoop(sock socket, bufferSize int) {
	buf := make([]byte, bufferSize)
	for {
		select {
		case <-c.readResume:
		case <-c.closed:
			return
		}
		count, err := sock.Read(buf)
		if count > 0 {
			data := append([]byte(nil), buf[:count]...)
			if !c.dispatcher.post(event{kind: eventRead, conn: c, data: data}) {
				return
			}
		} else if err == nil {
			c.resumeRead()
		}
		switch {
		case errors.Is(err, io.EOF):
			c.dispatcher.post(event{kind: eventEOS, conn: c})
			return
		case err != nil:
			c.dispatcher.post(event{kind: eventError, conn: c, err: err})
			return
		}
	}
}

// writeLoop drains the write backlog on behalf of the owning dispatcher.
//
// The socket write runs without the lock so that senders never wait on a
// slow peer. The inflight flag keeps Send from writing concurrently, which
// preserves the byte order.
func (c *Conn) writeLoop(sock socket) {
	for {
		select {
		case <-c.writeWake:
		case <-c.closed:
			return
		}
		if err := c.flushBacklog(sock); err != nil {
			c.dispatcher.post(event{kind: eventError, conn: c, err: err})
			return
		}
	}
}

func (c *Conn) flushBacklog(sock socket) error {
	for {
		c.lock.Lock()
		if !c.writeEnabled || len(c.backlog) <= 0 {
			c.inflight = false
			drained := len(c.backlog) <= 0
			c.lock.Unlock()
			if drained {
				c.dispatcher.post(event{kind: eventDrained, conn: c})
			}
			return nil
		}
		chunk := c.backlog
		c.inflight = true
		c.lock.Unlock()

		count, err := sock.Write(chunk)

		c.lock.Lock()
		c.backlog = consumeBuffer(c.backlog, min(count, len(c.backlog)))
		if err != nil {
			c.inflight = false
		}
		c.lock.Unlock()
		if err != nil {
			return err
		}
	}
}
