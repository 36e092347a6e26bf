// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import "net"

// Operation is a managed operation that a [Connection] can enable or disable.
type Operation int

const (
	// OpRead is managed reading: the dispatcher reads from the socket and
	// delivers the bytes to [ConnectionHandler.OnReceive].
	OpRead Operation = iota

	// OpWrite is managed writing: the dispatcher drains the write backlog
	// filled by [Connection.Send].
	OpWrite
)

// String implements [fmt.Stringer].
func (op Operation) String() string {
	if op == OpRead {
		return "read"
	}
	return "write"
}

// ClosingType tells why a connection is closing.
type ClosingType int

const (
	// ClosingUser means the application requested the close.
	ClosingUser ClosingType = iota

	// ClosingEOS means the peer closed its side of the stream.
	ClosingEOS

	// ClosingError means an error forced the close.
	ClosingError
)

// String implements [fmt.Stringer].
func (ct ClosingType) String() string {
	switch ct {
	case ClosingUser:
		return "user"
	case ClosingEOS:
		return "eos"
	default:
		return "error"
	}
}

// oobEventType returns the [OobEventType] signalling this closing type.
func (ct ClosingType) oobEventType() OobEventType {
	switch ct {
	case ClosingUser:
		return OobClosingUser
	case ClosingEOS:
		return OobClosingEOS
	default:
		return OobClosingError
	}
}

// State is the lifecycle state of a connection.
//
// A connection moves from [StateOpen] to [StateClosing] to [StateClosed]
// and never goes back.
type State int

const (
	// StateOpen means the connection is open or waiting to be bound.
	StateOpen State = iota

	// StateClosing means the close sequence is running.
	StateClosing

	// StateClosed means the connection is closed.
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Connection is the view of a managed connection available to handlers
// and filters. The [*Conn] type implements this interface.
type Connection interface {
	// Name returns the unique name of the connection.
	Name() string

	// Send buffers data for writing and returns the number of bytes that
	// are still buffered after an immediate write attempt. A nonzero
	// return value signals that the caller should slow down.
	Send(data []byte) int

	// SetEnabled enables or disables a managed operation. Enabling
	// [OpRead] guarantees at least one subsequent call to OnReceive.
	SetEnabled(op Operation, enabled bool)

	// Err returns the error that caused the connection to close, if any.
	Err() error

	// SetErr records err and closes the connection with [ClosingError].
	SetErr(err error)

	// IsManagerThread returns whether the calling goroutine is the
	// dispatcher owning this connection.
	IsManagerThread() bool

	// Lock acquires the connection lock serializing outbound processing.
	Lock()

	// Unlock releases the connection lock.
	Unlock()

	// HoldsLock returns whether the calling goroutine holds the connection lock.
	HoldsLock() bool

	// LocalAddr returns the local address, or nil before binding.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address, or nil before binding.
	RemoteAddr() net.Addr

	// Close requests an idempotent close with [ClosingUser].
	Close() error

	// Linger holds a closing connection open while hold is true: reads
	// keep flowing to the handler and the socket stays open, so that a
	// filter can finish producing its final bytes. The close completes
	// once the hold is released and the backlog is written.
	Linger(hold bool)
}

// ConnectionHandler is the set of callbacks an application provides for
// a managed connection.
//
// All callbacks run on the dispatcher owning the connection, one at a time.
// The manager calls SetConn before any other method. The close sequence
// calls OnClosing once and then OnClose once.
type ConnectionHandler interface {
	// SetConn stores the back reference to the connection.
	SetConn(conn Connection)

	// Conn returns the connection set by SetConn.
	Conn() Connection

	// OnBind is called once the connection is bound to a socket.
	OnBind() error

	// OnReceive is called with bytes read from the socket, in wire order.
	// The handler owns the data slice. Enabling [OpRead] may result in a
	// call with no data.
	OnReceive(data []byte) error

	// OnClosing is called when the close sequence starts. The remaining
	// argument contains bytes received but not yet delivered.
	OnClosing(ct ClosingType, remaining []byte) error

	// OnClose is called when the connection is closed.
	OnClose()
}
