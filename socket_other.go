//go:build !unix

// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import "net"

// newSocket returns a [*streamSocket].
func newSocket(conn net.Conn) socket {
	return &streamSocket{conn}
}
