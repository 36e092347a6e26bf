//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package pipenet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
)

// TLSEngine is the engine to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSServerEngine is a [TLSEngine] that can also act as a server.
type TLSServerEngine interface {
	TLSEngine

	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn
}

// TLSEngineStdlib implements [TLSServerEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSServerEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSServerEngine].
//
// This function uses [tls.Server] to build a new [*tls.Conn].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// TLSMode is the role of a [TLSSession].
type TLSMode int

const (
	// TLSModeUnset means that no role has been chosen yet.
	TLSModeUnset TLSMode = iota

	// TLSModeClient starts the handshake.
	TLSModeClient

	// TLSModeServer waits for the client to start the handshake.
	TLSModeServer
)

// String implements [fmt.Stringer].
func (mode TLSMode) String() string {
	switch mode {
	case TLSModeClient:
		return "client"
	case TLSModeServer:
		return "server"
	default:
		return "unset"
	}
}

// TLSStatus is the outcome of a [TLSSession] Wrap or Unwrap call.
type TLSStatus int

const (
	// TLSStatusOK means the call made progress.
	TLSStatusOK TLSStatus = iota

	// TLSStatusBufferOverflow means dst has no room for all the output.
	TLSStatusBufferOverflow

	// TLSStatusBufferUnderflow means more input is needed.
	TLSStatusBufferUnderflow

	// TLSStatusClosed means this direction of the session is closed.
	TLSStatusClosed
)

// String implements [fmt.Stringer].
func (st TLSStatus) String() string {
	switch st {
	case TLSStatusOK:
		return "OK"
	case TLSStatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case TLSStatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	default:
		return "CLOSED"
	}
}

// TLSHandshakeStatus tells what a [TLSSession] needs to go on handshaking.
type TLSHandshakeStatus int

const (
	// TLSNotHandshaking means no handshake is in progress.
	TLSNotHandshaking TLSHandshakeStatus = iota

	// TLSNeedWrap means the session has handshake data to send.
	TLSNeedWrap

	// TLSNeedUnwrap means the session waits for data from the peer.
	TLSNeedUnwrap

	// TLSNeedTask means a delegated task must run before progressing.
	TLSNeedTask

	// TLSFinished means the handshake just completed.
	TLSFinished
)

// String implements [fmt.Stringer].
func (hs TLSHandshakeStatus) String() string {
	switch hs {
	case TLSNotHandshaking:
		return "NOT_HANDSHAKING"
	case TLSNeedWrap:
		return "NEED_WRAP"
	case TLSNeedUnwrap:
		return "NEED_UNWRAP"
	case TLSNeedTask:
		return "NEED_TASK"
	default:
		return "FINISHED"
	}
}

// TLSResult is the result of a [TLSSession] Wrap or Unwrap call.
type TLSResult struct {
	Status          TLSStatus
	HandshakeStatus TLSHandshakeStatus

	// Consumed is the number of bytes of src used by the call.
	Consumed int

	// Produced is the number of bytes appended to dst.
	Produced int
}

// TLSSession is a TLS state machine driven by explicit calls rather than by
// reading from and writing to a socket.
//
// Wrap encrypts plaintext and Unwrap decrypts ciphertext. Both consume a
// prefix of src and append their output to dst within its capacity, never
// reallocating it: they report [TLSStatusBufferOverflow] when dst is too
// small and return dst with its new length.
type TLSSession interface {
	Wrap(src, dst []byte) (TLSResult, []byte, error)
	Unwrap(src, dst []byte) (TLSResult, []byte, error)

	// CloseOutbound queues the close_notify alert for the next Wrap.
	CloseOutbound()

	// HandshakeStatus returns the current handshake status.
	HandshakeStatus() TLSHandshakeStatus

	// DelegatedTask returns the next pending task, or nil.
	DelegatedTask() func()

	// Close releases the session resources.
	Close() error
}

// peerCerts returns the raw peer certificates, taking them from the
// certificate error when the handshake failed verification.
func peerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
