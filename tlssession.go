// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// ErrTLSServerUnsupported indicates a [TLSEngine] that cannot act as a server.
var ErrTLSServerUnsupported = errors.New("TLS engine does not support server mode")

// maxTLSPlaintext is the largest plaintext a single Wrap encrypts.
const maxTLSPlaintext = 16384

// NewTLSSession returns a [*TLSSessionStdlib] for the given mode.
//
// The ctx bounds the handshake; its [ConnName] tags the handshake events.
//
// The cfg argument contains the common configuration for pipenet operations.
//
// The engine builds the [TLSConn] and, in [TLSModeServer], must implement
// [TLSServerEngine].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTLSSession(ctx context.Context, cfg *Config,
	engine TLSEngine, mode TLSMode, tlsConfig *tls.Config, logger SLogger) (*TLSSessionStdlib, error) {
	runtimex.Assert(tlsConfig != nil)
	s := &TLSSessionStdlib{
		config:        tlsConfig.Clone(),
		done:          make(chan struct{}),
		engine:        engine,
		errClassifier: cfg.ErrClassifier,
		logger:        logger,
		mode:          mode,
		name:          ConnName(ctx),
		timeNow:       cfg.TimeNow,
	}
	s.config.Time = cfg.TimeNow
	s.cond = sync.NewCond(&s.mu)
	pipe := &tlsPipe{s: s}

	switch mode {
	case TLSModeClient:
		s.conn = engine.Client(pipe, s.config)
	case TLSModeServer:
		server, ok := engine.(TLSServerEngine)
		if !ok {
			return nil, ErrTLSServerUnsupported
		}
		s.conn = server.Server(pipe, s.config)
	default:
		return nil, ErrTLSModeUnset
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	go s.loop(ctx)
	return s, nil
}

// TLSSessionStdlib is the [TLSSession] backed by a [TLSConn], usually a
// [*tls.Conn] from [TLSEngineStdlib].
//
// The [TLSConn] runs in a background goroutine over an in-memory pipe.
// Unwrap feeds the pipe with ciphertext and collects the decrypted bytes.
// Wrap writes plaintext to the [TLSConn] and collects the ciphertext it
// produces. While the goroutine still handshakes, neither method waits for
// it: both report [TLSNeedTask] and the delegated task waits for the
// goroutine to settle. After the handshake both wait, since the goroutine
// then only decrypts what is already buffered.
type TLSSessionStdlib struct {
	cancel        context.CancelFunc
	config        *tls.Config
	conn          TLSConn
	done          chan struct{}
	engine        TLSEngine
	errClassifier ErrClassifier
	logger        SLogger
	mode          TLSMode
	name          string
	timeNow       func() time.Time

	mu   sync.Mutex
	cond *sync.Cond

	// guarded by mu
	closed         bool
	finishReported bool
	hsDone         bool
	hsErr          error
	in             []byte
	inboundClosed  bool
	out            []byte
	outboundClosed bool
	plain          []byte
	running        bool
	taskPending    bool
	waiting        bool
}

var _ TLSSession = &TLSSessionStdlib{}

// loop runs the handshake and then decrypts until the inbound side closes.
func (s *TLSSessionStdlib) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	t0 := s.timeNow()
	s.logHandshakeStart(t0)
	err := s.conn.HandshakeContext(ctx)
	s.logHandshakeDone(t0, err, s.conn.ConnectionState())

	s.mu.Lock()
	s.hsDone, s.hsErr = err == nil, err
	s.cond.Broadcast()
	s.mu.Unlock()
	if err != nil {
		return
	}

	buf := make([]byte, maxTLSPlaintext)
	for {
		count, err := s.conn.Read(buf)
		s.mu.Lock()
		s.plain = append(s.plain, buf[:count]...)
		if err != nil {
			s.inboundClosed = true
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// busyLocked returns whether the goroutine may still produce output
// without receiving more ciphertext.
func (s *TLSSessionStdlib) busyLocked() bool {
	return s.running && !s.closed && (!s.waiting || len(s.in) > 0)
}

func (s *TLSSessionStdlib) settleLocked() {
	for s.busyLocked() {
		s.cond.Wait()
	}
}

// handshakeStatusLocked computes the handshake status. When report is
// true, FINISHED is returned only once.
func (s *TLSSessionStdlib) handshakeStatusLocked(report bool) TLSHandshakeStatus {
	switch {
	case len(s.out) > 0:
		return TLSNeedWrap
	case !s.hsDone && s.hsErr == nil && s.busyLocked():
		return TLSNeedTask
	case !s.hsDone:
		return TLSNeedUnwrap
	case !s.finishReported && report:
		s.finishReported = true
		return TLSFinished
	default:
		return TLSNotHandshaking
	}
}

// HandshakeStatus implements [TLSSession].
func (s *TLSSessionStdlib) HandshakeStatus() TLSHandshakeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.handshakeStatusLocked(false)
	if status == TLSNotHandshaking && !s.finishReported {
		return TLSFinished
	}
	return status
}

// Unwrap implements [TLSSession].
//
// All of src is always consumed. The result is [TLSStatusBufferOverflow]
// whenever decrypted bytes remain that did not fit into dst.
func (s *TLSSessionStdlib) Unwrap(src, dst []byte) (TLSResult, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hsErr != nil {
		return TLSResult{}, dst, s.hsErr
	}
	if s.closed {
		return TLSResult{Status: TLSStatusClosed}, dst, nil
	}

	res := TLSResult{Consumed: len(src)}
	if len(src) > 0 {
		s.in = append(s.in, src...)
		s.cond.Broadcast()
	}
	if s.hsDone {
		s.settleLocked()
	}

	count := min(cap(dst)-len(dst), len(s.plain))
	dst = append(dst, s.plain[:count]...)
	s.plain = consumeBuffer(s.plain, count)
	res.Produced = count

	switch {
	case len(s.plain) > 0:
		res.Status = TLSStatusBufferOverflow
		res.HandshakeStatus = s.handshakeStatusLocked(false)

	case count > 0:
		res.Status = TLSStatusOK
		res.HandshakeStatus = s.handshakeStatusLocked(true)

	case s.inboundClosed:
		res.Status = TLSStatusClosed
		res.HandshakeStatus = s.handshakeStatusLocked(true)

	default:
		res.HandshakeStatus = s.handshakeStatusLocked(true)
		switch res.HandshakeStatus {
		case TLSNeedWrap, TLSFinished:
			res.Status = TLSStatusOK
		case TLSNeedTask:
			res.Status = TLSStatusOK
			s.taskPending = true
		default:
			res.Status = TLSStatusBufferUnderflow
		}
	}
	return res, dst, nil
}

// Wrap implements [TLSSession].
//
// At most [maxTLSPlaintext] bytes of src are consumed per call, and only
// once the handshake is complete. The result is [TLSStatusBufferOverflow]
// whenever ciphertext remains that did not fit into dst.
func (s *TLSSessionStdlib) Wrap(src, dst []byte) (TLSResult, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hsErr != nil {
		return TLSResult{}, dst, s.hsErr
	}
	if s.hsDone {
		s.settleLocked()
	}

	var res TLSResult
	if s.hsDone && !s.outboundClosed && !s.closed && len(src) > 0 {
		count := min(len(src), maxTLSPlaintext)
		s.mu.Unlock()
		_, err := s.conn.Write(src[:count])
		s.mu.Lock()
		if err != nil {
			return TLSResult{}, dst, err
		}
		res.Consumed = count
	}

	count := min(cap(dst)-len(dst), len(s.out))
	dst = append(dst, s.out[:count]...)
	s.out = consumeBuffer(s.out, count)
	res.Produced = count

	switch {
	case len(s.out) > 0:
		res.Status = TLSStatusBufferOverflow
		res.HandshakeStatus = TLSNeedWrap
	case s.outboundClosed || s.closed:
		res.Status = TLSStatusClosed
		res.HandshakeStatus = s.handshakeStatusLocked(true)
	default:
		res.Status = TLSStatusOK
		res.HandshakeStatus = s.handshakeStatusLocked(true)
		if res.HandshakeStatus == TLSNeedTask {
			s.taskPending = true
		}
	}
	return res, dst, nil
}

// CloseOutbound implements [TLSSession].
//
// After the handshake, this queues the close_notify alert.
func (s *TLSSessionStdlib) CloseOutbound() {
	s.mu.Lock()
	if s.outboundClosed {
		s.mu.Unlock()
		return
	}
	s.outboundClosed = true
	hsDone := s.hsDone
	s.mu.Unlock()
	if closer, ok := s.conn.(interface{ CloseWrite() error }); ok && hsDone {
		closer.CloseWrite()
	}
}

// DelegatedTask implements [TLSSession].
//
// The task waits until the goroutine driving the [TLSConn] has processed
// all the ciphertext received so far.
func (s *TLSSessionStdlib) DelegatedTask() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.taskPending {
		return nil
	}
	s.taskPending = false
	return func() {
		s.mu.Lock()
		s.settleLocked()
		s.mu.Unlock()
	}
}

// Close implements [TLSSession].
//
// Close stops the goroutine driving the [TLSConn] and waits for it.
func (s *TLSSessionStdlib) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *TLSSessionStdlib) logHandshakeStart(t0 time.Time) {
	s.logger.Info(
		"tlsHandshakeStart",
		slog.String("connName", s.name),
		slog.Time("t", t0),
		slog.String("tlsEngineName", s.engine.Name()),
		slog.String("tlsMode", s.mode.String()),
		slog.Any("tlsOfferedProtocols", s.config.NextProtos),
		slog.String("tlsParrot", s.engine.Parrot()),
		slog.String("tlsServerName", s.config.ServerName),
		slog.Bool("tlsSkipVerify", s.config.InsecureSkipVerify),
	)
}

func (s *TLSSessionStdlib) logHandshakeDone(t0 time.Time, err error, state tls.ConnectionState) {
	s.logger.Info(
		"tlsHandshakeDone",
		slog.String("connName", s.name),
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", s.timeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", s.engine.Name()),
		slog.String("tlsMode", s.mode.String()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", s.config.NextProtos),
		slog.String("tlsParrot", s.engine.Parrot()),
		slog.Any("tlsPeerCerts", peerCerts(state, err)),
		slog.String("tlsServerName", s.config.ServerName),
		slog.Bool("tlsSkipVerify", s.config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

// tlsPipe is the in-memory [net.Conn] under the [TLSConn] of a session.
type tlsPipe struct {
	s *TLSSessionStdlib
}

var _ net.Conn = &tlsPipe{}

// Read returns ciphertext passed to Unwrap, blocking until some is available.
func (p *tlsPipe) Read(buf []byte) (int, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.in) <= 0 && !s.closed {
		s.waiting = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	s.waiting = false
	if len(s.in) <= 0 {
		return 0, io.EOF
	}
	count := copy(buf, s.in)
	s.in = consumeBuffer(s.in, count)
	return count, nil
}

// Write queues ciphertext for Wrap.
func (p *tlsPipe) Write(data []byte) (int, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	s.out = append(s.out, data...)
	s.cond.Broadcast()
	return len(data), nil
}

// Close implements [net.Conn].
func (p *tlsPipe) Close() error {
	s := p.s
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// LocalAddr implements [net.Conn].
func (p *tlsPipe) LocalAddr() net.Addr {
	return tlsPipeAddr{}
}

// RemoteAddr implements [net.Conn].
func (p *tlsPipe) RemoteAddr() net.Addr {
	return tlsPipeAddr{}
}

// SetDeadline implements [net.Conn]. The pipe has no deadlines.
func (p *tlsPipe) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements [net.Conn].
func (p *tlsPipe) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (p *tlsPipe) SetWriteDeadline(t time.Time) error {
	return nil
}

type tlsPipeAddr struct{}

func (tlsPipeAddr) Network() string { return "pipe" }
func (tlsPipeAddr) String() string  { return "pipe" }
