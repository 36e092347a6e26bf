// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"errors"
	"net"
	"syscall"
	"time"
)

// socket is the I/O capability a dispatcher drives for one connection.
//
// Two variants exist: [*pollSocket] (unix only) attempts non-blocking writes
// through the raw file descriptor, while [*streamSocket] works with any
// [net.Conn] and leaves every write to the connection's writer goroutine.
// The variant is chosen once, when the connection is bound.
type socket interface {
	net.Conn

	// tryWrite writes a prefix of data without blocking and returns its length.
	tryWrite(data []byte) (int, error)
}

// streamSocket is the [socket] variant for any [net.Conn].
type streamSocket struct {
	net.Conn
}

// tryWrite implements [socket].
//
// A plain [net.Conn] offers no way to avoid blocking, so nothing is written.
func (s *streamSocket) tryWrite(data []byte) (int, error) {
	return 0, nil
}

// configureSocket applies the manager's socket options to conn.
//
// Options that do not apply to the concrete connection type are skipped.
func configureSocket(conn net.Conn, bufferSize int) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(30 * time.Second)
	tcpConn.SetReadBuffer(bufferSize)
	tcpConn.SetWriteBuffer(bufferSize)
}

// syscallConn returns the raw connection of conn, if conn exposes one.
//
// Wrappers use it to implement [syscall.Conn], returning
// [errors.ErrUnsupported] when the wrapped conn does not.
func syscallConn(conn net.Conn) (syscall.RawConn, error) {
	if sc, ok := conn.(syscall.Conn); ok {
		return sc.SyscallConn()
	}
	return nil, errors.ErrUnsupported
}
