// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 naming a span.
//
// Each managed connection is a span: its name, returned by
// [*Conn.Name], is a span ID and every event the connection logs carries
// it as connName. Being time-ordered, names sort by creation time.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
