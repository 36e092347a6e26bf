//go:build !unix

// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import "net"

// setListenBacklog is a no-op where the backlog cannot be changed after listen.
func setListenBacklog(ln net.Listener, backlog int) error {
	return nil
}
