//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// newSocket returns a [*pollSocket] when conn exposes its file descriptor
// and a [*streamSocket] otherwise.
func newSocket(conn net.Conn) socket {
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			return &pollSocket{Conn: conn, raw: raw}
		}
	}
	return &streamSocket{conn}
}

// pollSocket is the [socket] variant using non-blocking writes on the raw
// file descriptor, which the Go runtime keeps in non-blocking mode.
type pollSocket struct {
	net.Conn
	raw syscall.RawConn
}

// tryWrite implements [socket].
func (s *pollSocket) tryWrite(data []byte) (count int, err error) {
	cerr := s.raw.Write(func(fd uintptr) bool {
		for {
			count, err = unix.Write(int(fd), data)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
		return true
	})
	if count < 0 {
		count = 0
	}
	if errors.Is(err, unix.EAGAIN) {
		err = nil
	}
	if cerr != nil {
		return 0, cerr
	}
	return count, err
}
