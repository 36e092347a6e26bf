// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"net"
	"syscall"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the context
// is done.
//
// The [*Manager] wraps every socket it binds using its own lifetime context,
// so that closing the manager interrupts any read or write still blocked in
// a connection's reader or writer.
//
// The returned connection wraps the input connection. Closing the returned
// connection unregisters the context watcher and closes the underlying
// connection, so no watcher outlives its connection.
//
// The returned connection implements [syscall.Conn] by forwarding to the
// wrapped conn.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers a context watcher using [context.AfterFunc] that closes
// the connection when the context is done.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

var _ syscall.Conn = &cancelWatchedConn{}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// SyscallConn implements [syscall.Conn].
func (c *cancelWatchedConn) SyscallConn() (syscall.RawConn, error) {
	return syscallConn(c.Conn)
}
