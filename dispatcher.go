// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/bassosimone/safeconn"
)

// eventKind is the kind of an [event] posted to a [*dispatcher].
type eventKind int

const (
	// control requests
	eventConnect eventKind = iota
	eventAccept
	eventRegister
	eventGetConnections
	eventGetBoundAddresses
	eventGetBacklogSize
	eventSetBacklogSize
	eventInvoke

	// connection events
	eventDialed
	eventAccepted
	eventRead
	eventEOS
	eventError
	eventDrained
	eventOp
	eventClose
	eventLinger
)

// event is a message for a [*dispatcher].
type event struct {
	kind eventKind

	// addr is the endpoint of CONNECT and ACCEPT requests.
	addr netip.AddrPort

	// conn is the connection the event refers to.
	conn *Conn

	// data holds the bytes of a read event.
	data []byte

	// enabled is the value of an op event.
	enabled bool

	// entry is the listener that produced an accepted socket.
	entry *acceptEntry

	// err is the error of error and dialed events.
	err error

	// netConn is the socket of register, dialed, and accepted events.
	netConn net.Conn

	// run executes control requests on the dispatcher.
	run func(d *dispatcher)

	// fail resolves control requests that cannot run.
	fail func(err error)
}

// acceptEntry is a listening socket shared by pending ACCEPT requests.
type acceptEntry struct {
	key      string
	listener net.Listener
	pending  []*Conn
}

// dispatcher is one loop of the [*Manager] pool.
//
// The loop goroutine owns the connection set, the listeners, and every
// field marked as owned by the dispatcher in [*Conn]. Other goroutines
// interact with it only by posting events to its mailbox.
type dispatcher struct {
	id  int
	mgr *Manager

	// gid is the goroutine running the loop.
	gid atomic.Int64

	// load counts the connections assigned to the dispatcher.
	load atomic.Int64

	// mailbox
	mu      sync.Mutex
	closed  bool
	mailbox []event
	wake    chan struct{}

	// owned by the loop
	backlogSize int
	conns       map[*Conn]struct{}
	listeners   map[string]*acceptEntry
}

func newDispatcher(mgr *Manager, id int, backlogSize int) *dispatcher {
	return &dispatcher{
		id:          id,
		mgr:         mgr,
		wake:        make(chan struct{}, 1),
		backlogSize: backlogSize,
		conns:       make(map[*Conn]struct{}),
		listeners:   make(map[string]*acceptEntry),
	}
}

// isCurrent returns whether the calling goroutine runs the loop.
func (d *dispatcher) isCurrent() bool {
	return d.gid.Load() == goroutineID()
}

// post appends ev to the mailbox and reports whether the dispatcher
// accepted it. A closed dispatcher accepts nothing.
func (d *dispatcher) post(ev event) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.mailbox = append(d.mailbox, ev)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// request posts a control request, failing it when the dispatcher is closed.
func (d *dispatcher) request(ev event) {
	if !d.post(ev) {
		ev.fail(ErrManagerClosed)
	}
}

// run is the dispatcher loop. It returns when ctx is done.
func (d *dispatcher) run(ctx context.Context) error {
	d.gid.Store(goroutineID())
	t0 := d.mgr.TimeNow()
	d.mgr.Logger.Info(
		"dispatcherStart",
		slog.Int("dispatcherID", d.id),
		slog.Time("t", t0),
	)
	defer func() {
		d.mgr.Logger.Info(
			"dispatcherDone",
			slog.Int("dispatcherID", d.id),
			slog.Time("t0", t0),
			slog.Time("t", d.mgr.TimeNow()),
		)
	}()
	for {
		select {
		case <-ctx.Done():
			d.shutdown(nil)
			return nil
		case <-d.wake:
		}
		events := d.drain()
		for idx, ev := range events {
			// Sockets close when ctx is done, so later events are side
			// effects of the shutdown itself.
			if ctx.Err() != nil {
				d.shutdown(events[idx:])
				return nil
			}
			d.handle(ev)
		}
	}
}

func (d *dispatcher) drain() []event {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := d.mailbox
	d.mailbox = nil
	return events
}

func (d *dispatcher) handle(ev event) {
	switch ev.kind {
	case eventConnect:
		d.onConnect(ev.conn, ev.addr)
	case eventAccept:
		d.onAccept(ev.conn, ev.addr)
	case eventRegister:
		d.conns[ev.conn] = struct{}{}
		d.bind(ev.conn, ev.netConn)
	case eventGetConnections, eventGetBoundAddresses, eventGetBacklogSize, eventSetBacklogSize, eventInvoke:
		ev.run(d)
	case eventDialed:
		d.onDialed(ev.conn, ev.netConn, ev.err)
	case eventAccepted:
		d.onAccepted(ev.entry, ev.netConn)
	case eventRead:
		d.onRead(ev.conn, ev.data)
	case eventEOS:
		d.onEOS(ev.conn)
	case eventError:
		d.onError(ev.conn, ev.err)
	case eventDrained:
		d.onDrained(ev.conn)
	case eventOp:
		d.onSetRead(ev.conn, ev.enabled)
	case eventClose:
		d.closeConn(ev.conn, ClosingUser)
	case eventLinger:
		d.onDrained(ev.conn)
	}
}

// shutdown closes the mailbox, fails the pending requests, including the
// unhandled ones, and closes every connection and listener.
func (d *dispatcher) shutdown(unhandled []event) {
	d.mu.Lock()
	d.closed = true
	events := append(unhandled, d.mailbox...)
	d.mailbox = nil
	d.mu.Unlock()

	for _, ev := range events {
		switch {
		case ev.fail != nil:
			ev.fail(ErrManagerClosed)
		case ev.netConn != nil:
			ev.netConn.Close()
		}
		if ev.conn != nil {
			d.conns[ev.conn] = struct{}{}
		}
	}
	for conn := range d.conns {
		d.onError(conn, ErrManagerClosed)
	}
	for _, entry := range d.listeners {
		d.closeListener(entry)
	}
}

func (d *dispatcher) onConnect(conn *Conn, addr netip.AddrPort) {
	d.conns[conn] = struct{}{}
	d.mgr.pumps.Go(func() {
		netConn, err := d.mgr.connect.Call(d.mgr.ctx, addr)
		if !d.post(event{kind: eventDialed, conn: conn, netConn: netConn, err: err}) && netConn != nil {
			netConn.Close()
		}
	})
}

func (d *dispatcher) onDialed(conn *Conn, netConn net.Conn, err error) {
	if conn.State() != StateOpen {
		if netConn != nil {
			netConn.Close()
		}
		return
	}
	if err != nil {
		d.onError(conn, err)
		return
	}
	d.bind(conn, netConn)
}

func (d *dispatcher) onAccept(conn *Conn, addr netip.AddrPort) {
	d.conns[conn] = struct{}{}
	entry := d.listeners[addr.String()]
	if entry == nil || addr.Port() == 0 {
		ln, err := d.mgr.listen.Call(d.mgr.ctx, addr)
		if err != nil {
			conn.future.resolve(nil, err)
			d.onError(conn, err)
			return
		}
		if err := setListenBacklog(ln, d.backlogSize); err != nil {
			ln.Close()
			conn.future.resolve(nil, err)
			d.onError(conn, err)
			return
		}
		entry = &acceptEntry{key: ln.Addr().String(), listener: ln}
		d.listeners[entry.key] = entry
		d.mgr.rememberAffinity(entry.key, d)
		d.mgr.pumps.Go(func() {
			d.acceptLoop(entry)
		})
	}
	entry.pending = append(entry.pending, conn)
	conn.accept = entry
	conn.future.resolve(conn, nil)
}

// acceptLoop accepts sockets on behalf of the dispatcher until the listener closes.
func (d *dispatcher) acceptLoop(entry *acceptEntry) {
	for {
		netConn, err := entry.listener.Accept()
		if err != nil {
			return
		}
		if !d.post(event{kind: eventAccepted, entry: entry, netConn: netConn}) {
			netConn.Close()
			return
		}
	}
}

func (d *dispatcher) onAccepted(entry *acceptEntry, netConn net.Conn) {
	if d.listeners[entry.key] != entry || len(entry.pending) <= 0 {
		netConn.Close()
		return
	}
	conn := entry.pending[0]
	entry.pending = entry.pending[1:]
	conn.accept = nil
	if len(entry.pending) <= 0 {
		d.closeListener(entry)
	}
	d.bind(conn, netConn)
}

// removePendingAccept forgets a connection that will never be accepted.
func (d *dispatcher) removePendingAccept(conn *Conn) {
	entry := conn.accept
	if entry == nil {
		return
	}
	conn.accept = nil
	for idx, pending := range entry.pending {
		if pending == conn {
			entry.pending = append(entry.pending[:idx], entry.pending[idx+1:]...)
			break
		}
	}
	if len(entry.pending) <= 0 {
		d.closeListener(entry)
	}
}

func (d *dispatcher) closeListener(entry *acceptEntry) {
	if d.listeners[entry.key] == entry {
		delete(d.listeners, entry.key)
	}
	d.mgr.forgetAffinity(entry.key, d)
	entry.listener.Close()
}

// bind attaches netConn to conn and starts its reader and writer.
func (d *dispatcher) bind(conn *Conn, netConn net.Conn) {
	if conn.State() != StateOpen {
		netConn.Close()
		return
	}
	bufferSize := d.mgr.BufferSize()
	configureSocket(netConn, bufferSize)
	wrapped, err := d.mgr.wrap.Call(WithConnName(d.mgr.ctx, conn.name), netConn)
	if err != nil {
		netConn.Close()
		d.onError(conn, err)
		return
	}
	sock := newSocket(wrapped)
	conn.addrs.Store(&connAddrs{local: netConn.LocalAddr(), remote: netConn.RemoteAddr()})

	conn.lock.Lock()
	conn.sock = sock
	conn.wakeWriterLocked()
	conn.lock.Unlock()

	d.mgr.Logger.Info(
		"bindConn",
		slog.String("connName", conn.name),
		slog.Int("dispatcherID", d.id),
		slog.String("localAddr", safeconn.LocalAddr(netConn)),
		slog.String("protocol", safeconn.Network(netConn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(netConn)),
		slog.Time("t", d.mgr.TimeNow()),
	)

	d.mgr.pumps.Go(func() {
		conn.readLoop(sock, bufferSize)
	})
	d.mgr.pumps.Go(func() {
		conn.writeLoop(sock)
	})
	if conn.readEnabled {
		conn.resumeRead()
	} else {
		conn.readParked = true
	}
	conn.future.resolve(conn, nil)

	if err := conn.handler.OnBind(); err != nil {
		d.onError(conn, err)
	}
}

func (d *dispatcher) onRead(conn *Conn, data []byte) {
	if !conn.acceptsInput() {
		return
	}
	if !conn.readEnabled {
		conn.pendingRead = append(conn.pendingRead, data...)
		conn.readParked = true
		return
	}
	if err := conn.handler.OnReceive(data); err != nil {
		d.onError(conn, err)
		return
	}
	if conn.acceptsInput() && conn.readEnabled {
		conn.resumeRead()
	} else {
		conn.readParked = true
	}
}

// onEOS starts the close sequence, unless the connection is lingering: then
// the bytes it was waiting to flush can no longer be produced.
func (d *dispatcher) onEOS(conn *Conn) {
	if conn.State() == StateClosing && conn.lingering.Load() {
		d.onError(conn, fmt.Errorf("%w while lingering", io.ErrUnexpectedEOF))
		return
	}
	d.closeConn(conn, ClosingEOS)
}

// onSetRead enables or disables managed reads. Enabling always results in
// at least one OnReceive call, possibly with no data.
func (d *dispatcher) onSetRead(conn *Conn, enabled bool) {
	if !conn.acceptsInput() {
		return
	}
	conn.readEnabled = enabled
	if !enabled || conn.sock == nil {
		return
	}
	data := conn.pendingRead
	conn.pendingRead = nil
	if err := conn.handler.OnReceive(data); err != nil {
		d.onError(conn, err)
		return
	}
	if conn.readParked && conn.acceptsInput() && conn.readEnabled {
		conn.readParked = false
		conn.resumeRead()
	}
}

// closeConn starts the close sequence: OnClosing runs now, and the socket
// closes once the write backlog is empty.
func (d *dispatcher) closeConn(conn *Conn, ct ClosingType) {
	if conn.State() != StateOpen {
		return
	}
	conn.setState(StateClosing)
	conn.readEnabled = false
	d.logClosing(conn, ct)
	remaining := conn.pendingRead
	conn.pendingRead = nil
	conn.closingNotified = true
	if err := conn.handler.OnClosing(ct, remaining); err != nil {
		d.onError(conn, err)
		return
	}
	conn.lock.Lock()
	drained := conn.sock == nil || conn.drainedLocked()
	conn.closePending = true
	conn.writeEnabled = true
	conn.wakeWriterLocked()
	conn.lock.Unlock()
	if conn.sock != nil && conn.lingering.Load() {
		d.onSetRead(conn, true)
		return
	}
	if drained {
		d.finishClose(conn)
	}
}

// onDrained completes a pending close once the backlog is written and no
// filter holds the connection open.
func (d *dispatcher) onDrained(conn *Conn) {
	if !conn.closePending || conn.State() != StateClosing || conn.lingering.Load() {
		return
	}
	conn.lock.Lock()
	drained := conn.drainedLocked()
	conn.lock.Unlock()
	if drained {
		d.finishClose(conn)
	}
}

// onError closes the connection with [ClosingError], discarding the backlog.
func (d *dispatcher) onError(conn *Conn, err error) {
	if conn.State() == StateClosed {
		return
	}
	conn.recordErr(err)
	if !conn.closingNotified {
		conn.setState(StateClosing)
		conn.readEnabled = false
		d.logClosing(conn, ClosingError)
		remaining := conn.pendingRead
		conn.pendingRead = nil
		conn.closingNotified = true
		conn.handler.OnClosing(ClosingError, remaining)
	}
	d.finishClose(conn)
}

// finishClose closes the socket and runs OnClose exactly once.
func (d *dispatcher) finishClose(conn *Conn) {
	if conn.State() == StateClosed {
		return
	}
	conn.setState(StateClosed)
	close(conn.closed)
	d.removePendingAccept(conn)

	conn.lock.Lock()
	sock := conn.sock
	conn.backlog = nil
	conn.lock.Unlock()
	if sock != nil {
		sock.Close()
	}

	conn.handler.OnClose()
	delete(d.conns, conn)
	d.load.Add(-1)

	err := conn.Err()
	if err == nil {
		err = ErrClosed
	}
	conn.future.resolve(nil, err)
}

func (d *dispatcher) logClosing(conn *Conn, ct ClosingType) {
	err := conn.Err()
	d.mgr.Logger.Info(
		"closingConn",
		slog.String("closingType", ct.String()),
		slog.String("connName", conn.name),
		slog.Int("dispatcherID", d.id),
		slog.Any("err", err),
		slog.String("errClass", d.mgr.ErrClassifier.Classify(err)),
		slog.Time("t", d.mgr.TimeNow()),
	)
}

// connections returns the connections owned by the dispatcher.
func (d *dispatcher) connections() []*Conn {
	out := make([]*Conn, 0, len(d.conns))
	for conn := range d.conns {
		out = append(out, conn)
	}
	return out
}

// boundAddresses returns the addresses of the listening sockets.
func (d *dispatcher) boundAddresses() []net.Addr {
	out := make([]net.Addr, 0, len(d.listeners))
	for _, entry := range d.listeners {
		out = append(out, entry.listener.Addr())
	}
	return out
}
