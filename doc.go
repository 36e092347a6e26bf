// SPDX-License-Identifier: GPL-3.0-or-later

// Package pipenet is an embeddable asynchronous TCP transport.
//
// # Core Abstraction
//
// A [*Manager] owns a pool of dispatchers. Each connection belongs to
// exactly one dispatcher, which runs all the callbacks of its
// [ConnectionHandler] one at a time:
//
//	type ConnectionHandler interface {
//		SetConn(conn Connection)
//		Conn() Connection
//		OnBind() error
//		OnReceive(data []byte) error
//		OnClosing(ct ClosingType, remaining []byte) error
//		OnClose()
//	}
//
// Connections are created by [*Manager.Init], or by its shortcuts
// [*Manager.Connect], [*Manager.Accept], and [*Manager.Register], which
// return a [*Future] resolving to the [*Conn].
//
// # Filters
//
// Per-connection traffic may flow through a bidirectional [Filter] pipeline
// before reaching the application. A [FilterFactory] creates the pipeline
// for each connection and a [*FilteredHandler] drives it:
//
//   - [Chain2], [Chain3], [Chain4], and [ChainN] compose filters
//   - [*FrameFilter] splits a stream into length-prefixed frames
//   - [*DNSMsgFilter] turns frames into DNS messages
//   - [*TLSFilter] encrypts and decrypts using a [TLSSession]
//   - [*IdentityFilter] passes everything through
//
// Out-of-band [*OobEvent] values (bind and closing notifications) travel
// through the same pipeline, so that filters can react to them. For example,
// the TLS filter sends the close_notify alert when the application closes
// the connection.
//
// # Threading
//
// Inbound processing runs on the owning dispatcher without the connection
// lock. Outbound processing runs with the connection lock held, from any
// goroutine. [Connection.IsManagerThread] and [Connection.HoldsLock] let
// filters check which side they are on. [Invoke] runs arbitrary code on the
// owning dispatcher.
//
// # Lifecycle
//
// A connection moves from [StateOpen] to [StateClosing] to [StateClosed].
// On close, OnClosing runs first, then the data still buffered by Send is
// written, then the socket is closed and OnClose runs. On error, the buffered
// data is discarded. [*Manager.Close] closes every connection and waits for
// all the goroutines the manager started.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled.
//
// Span events (*Start/*Done pairs) record the lifecycle of dispatchers,
// dials, listeners, socket closes, and TLS handshakes. Completion events
// include t0, err, and errClass, where [ErrClassifier] classifies the error.
// Events about a connection carry its name, a [NewSpanID] value, as
// connName. I/O-level events (read, write, deadline changes, TLS loop steps)
// are emitted at [slog.LevelDebug]; all other events use [slog.LevelInfo].
package pipenet
