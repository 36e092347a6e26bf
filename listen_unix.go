//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setListenBacklog changes the accept backlog of an already listening socket.
//
// Listeners not exposing their file descriptor are left unchanged.
func setListenBacklog(ln net.Listener, backlog int) error {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var lerr error
	if err := raw.Control(func(fd uintptr) {
		lerr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return lerr
}
