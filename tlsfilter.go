// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/bassosimone/runtimex"
)

// ErrTLSProtocol indicates that a [TLSSession] broke its calling contract.
var ErrTLSProtocol = errors.New("TLS protocol violation")

// NewTLSFilter returns a [*TLSFilter] for the connection of fc.
//
// The session argument does the cryptographic work and the executor runs
// its delegated tasks. The filter owns the session and closes it.
func NewTLSFilter(fc FilterContext, session TLSSession, executor Executor, logger SLogger) *TLSFilter {
	return &TLSFilter{
		executor: executor,
		fc:       fc,
		logger:   logger,
		session:  session,
	}
}

// TLSFilter encrypts the outbound bytes and decrypts the inbound bytes of a
// connection using a [TLSSession].
//
// Inbound processing must run on the dispatcher owning the connection
// without holding the connection lock; outbound processing must run with
// the lock held. The filter panics when either rule is broken.
//
// A [OobClosingUser] event travelling outbound makes the filter send the
// close_notify alert with its next output. Plaintext still waiting for the
// handshake goes first: until it is encrypted, the filter keeps the closing
// connection open with [Connection.Linger].
type TLSFilter struct {
	executor Executor
	fc       FilterContext
	logger   SLogger
	session  TLSSession

	// inbound
	decrypt  []byte
	draining bool
	read     []byte

	// outbound
	encrypt          []byte
	lingering        bool
	shutdownOutbound bool
	write            []byte
}

var _ OobFilter[[]byte, []byte] = &TLSFilter{}

func (f *TLSFilter) assertInbound() {
	conn := f.fc.Conn()
	runtimex.Assert(!conn.HoldsLock() && conn.IsManagerThread())
}

func (f *TLSFilter) assertOutbound() {
	runtimex.Assert(f.fc.Conn().HoldsLock())
}

// ApplyInbound implements [Filter].
func (f *TLSFilter) ApplyInbound(in Source[[]byte], out Sink[[]byte]) error {
	f.assertInbound()
	for {
		data, ok := in.Poll()
		if !ok {
			break
		}
		f.read = AppendBuffer(f.read, data, 1)
	}

loop:
	for {
		res, decrypt, err := f.session.Unwrap(f.read, f.decrypt)
		if err != nil {
			return err
		}
		f.decrypt = decrypt
		f.read = consumeBuffer(f.read, res.Consumed)
		f.logStep("tlsInbound", res, len(f.read), len(f.decrypt))

		switch res.Status {
		case TLSStatusBufferOverflow:
			f.decrypt = ResizeBuffer(f.decrypt, 2*cap(f.decrypt)+1)
			continue loop
		case TLSStatusBufferUnderflow:
			break loop
		case TLSStatusClosed:
			f.read = f.read[:0]
			break loop
		}

		switch res.HandshakeStatus {
		case TLSNeedUnwrap:
			continue loop
		case TLSNeedWrap:
			if _, err := f.fc.Flush(); err != nil {
				return err
			}
			break loop
		case TLSNeedTask:
			if f.draining {
				f.runDelegatedTasksInline()
				continue loop
			}
			f.fc.Conn().Lock()
			err := f.runDelegatedTasks()
			f.fc.Conn().Unlock()
			if err != nil {
				return err
			}
			break loop
		case TLSFinished:
			if _, err := f.fc.Flush(); err != nil {
				return err
			}
			continue loop
		}

		if len(f.read) <= 0 {
			break loop
		}
	}

	if len(f.decrypt) > 0 {
		out.Push(bytes.Clone(f.decrypt))
		f.decrypt = f.decrypt[:0]
	}
	return nil
}

// ApplyOutbound implements [Filter].
func (f *TLSFilter) ApplyOutbound(in Source[[]byte], out Sink[[]byte]) error {
	f.assertOutbound()
	for {
		data, ok := in.Poll()
		if !ok {
			break
		}
		f.write = AppendBuffer(f.write, data, 1)
	}

loop:
	for {
		res, encrypt, err := f.session.Wrap(f.write, f.encrypt)
		if err != nil {
			return err
		}
		f.encrypt = encrypt
		f.write = consumeBuffer(f.write, res.Consumed)
		f.logStep("tlsOutbound", res, len(f.write), len(f.encrypt))

		switch res.Status {
		case TLSStatusBufferOverflow:
			f.encrypt = ResizeBuffer(f.encrypt, 2*cap(f.encrypt)+1)
			continue loop
		case TLSStatusClosed:
			f.write = f.write[:0]
			break loop
		case TLSStatusBufferUnderflow:
			return ErrTLSProtocol
		}

		if f.shutdownOutbound && len(f.write) <= 0 {
			f.session.CloseOutbound()
			f.shutdownOutbound = false
			continue loop
		}

		switch res.HandshakeStatus {
		case TLSNeedUnwrap:
			break loop
		case TLSNeedWrap, TLSFinished:
			continue loop
		case TLSNeedTask:
			if err := f.runDelegatedTasks(); err != nil {
				return err
			}
			break loop
		}

		if len(f.write) <= 0 {
			break loop
		}
	}

	if len(f.encrypt) > 0 {
		out.Push(bytes.Clone(f.encrypt))
		f.encrypt = f.encrypt[:0]
	}
	if hold := f.shutdownOutbound && len(f.write) > 0; hold != f.lingering {
		f.lingering = hold
		f.fc.Conn().Linger(hold)
	}
	return nil
}

// ApplyInboundOob implements [OobFilter].
//
// Once a closing event passes, the inbound path runs delegated tasks inline,
// so that the ciphertext already received is decrypted before the close.
func (f *TLSFilter) ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	f.assertInbound()
	for {
		ev, ok := in.Poll()
		if !ok {
			return nil
		}
		if ev.Type.isClosing() {
			f.draining = true
		}
		out.Push(ev)
	}
}

// ApplyOutboundOob implements [OobFilter].
func (f *TLSFilter) ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	f.assertOutbound()
	for {
		ev, ok := in.Poll()
		if !ok {
			return nil
		}
		if ev.Type == OobClosingUser {
			f.shutdownOutbound = true
		}
		out.Push(ev)
	}
}

// Close releases the [TLSSession].
func (f *TLSFilter) Close() error {
	return f.session.Close()
}

// runDelegatedTasks hands the pending session tasks to the executor. Each
// completed task re-enables reading, which drives the inbound path again.
func (f *TLSFilter) runDelegatedTasks() error {
	runtimex.Assert(f.fc.Conn().HoldsLock())
	conn := f.fc.Conn()
	for task := f.session.DelegatedTask(); task != nil; task = f.session.DelegatedTask() {
		err := f.executor.Execute(func() {
			defer conn.SetEnabled(OpRead, true)
			task()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// runDelegatedTasksInline runs the pending session tasks on the caller.
func (f *TLSFilter) runDelegatedTasksInline() {
	for task := f.session.DelegatedTask(); task != nil; task = f.session.DelegatedTask() {
		task()
	}
}

func (f *TLSFilter) logStep(msg string, res TLSResult, pending, buffered int) {
	f.logger.Debug(
		msg,
		slog.String("connName", f.fc.Conn().Name()),
		slog.Int("tlsBuffered", buffered),
		slog.Int("tlsConsumed", res.Consumed),
		slog.String("tlsHandshakeStatus", res.HandshakeStatus.String()),
		slog.Int("tlsPending", pending),
		slog.Int("tlsProduced", res.Produced),
		slog.String("tlsStatus", res.Status.String()),
	)
}
