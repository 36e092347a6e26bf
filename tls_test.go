// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TLSEngineStdlib returns "stdlib" as Name, "" as Parrot, and *tls.Conn
// from both Client and Server.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	assert.Equal(t, "stdlib", engine.Name())
	assert.Equal(t, "", engine.Parrot())

	_, ok := engine.Client(&netstub.FuncConn{}, &tls.Config{}).(*tls.Conn)
	assert.True(t, ok)

	_, ok = engine.Server(&netstub.FuncConn{}, &tls.Config{}).(*tls.Conn)
	assert.True(t, ok)
}

// The TLS enums have stable names used in the logs.
func TestTLSStrings(t *testing.T) {
	assert.Equal(t, "client", TLSModeClient.String())
	assert.Equal(t, "server", TLSModeServer.String())
	assert.Equal(t, "unset", TLSModeUnset.String())
	assert.Equal(t, "BUFFER_OVERFLOW", TLSStatusBufferOverflow.String())
	assert.Equal(t, "BUFFER_UNDERFLOW", TLSStatusBufferUnderflow.String())
	assert.Equal(t, "CLOSED", TLSStatusClosed.String())
	assert.Equal(t, "OK", TLSStatusOK.String())
	assert.Equal(t, "FINISHED", TLSFinished.String())
	assert.Equal(t, "NEED_TASK", TLSNeedTask.String())
	assert.Equal(t, "NEED_UNWRAP", TLSNeedUnwrap.String())
	assert.Equal(t, "NEED_WRAP", TLSNeedWrap.String())
	assert.Equal(t, "NOT_HANDSHAKING", TLSNotHandshaking.String())
}

// peerCerts prefers the certificate carried by verification errors.
func TestPeerCerts(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("from error")}
	state := tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{Raw: []byte("cert1")}, {Raw: []byte("cert2")}},
	}

	tests := []struct {
		name string
		err  error
		want [][]byte
	}{
		{
			name: "HostnameError",
			err:  x509.HostnameError{Certificate: cert, Host: "wrong.example.com"},
			want: [][]byte{cert.Raw},
		},
		{
			name: "UnknownAuthorityError",
			err:  &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{Cert: cert}},
			want: [][]byte{cert.Raw},
		},
		{
			name: "CertificateInvalidError",
			err:  x509.CertificateInvalidError{Cert: cert, Reason: x509.Expired},
			want: [][]byte{cert.Raw},
		},
		{
			name: "connection state",
			err:  nil,
			want: [][]byte{[]byte("cert1"), []byte("cert2")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, peerCerts(state, tt.err))
		})
	}
}

// NewTLSSession clones the config, sets its time source, and rejects
// modes the engine cannot serve.
func TestNewTLSSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := NewConfig()
	fixedTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg.TimeNow = func() time.Time { return fixedTime }

	mockConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}
	mockConn.FuncConn.ReadFunc = func(b []byte) (int, error) {
		return 0, io.EOF
	}

	var captured *tls.Config
	engine := newMockTLSEngine(mockConn)
	engine.ClientFunc = func(conn net.Conn, config *tls.Config) TLSConn {
		captured = config
		return mockConn
	}

	tlsConfig := &tls.Config{ServerName: "example.com"}
	session, err := NewTLSSession(context.Background(), cfg, engine, TLSModeClient, tlsConfig, DefaultSLogger())
	require.NoError(t, err)
	require.NoError(t, session.Close())

	require.NotNil(t, captured)
	assert.NotSame(t, tlsConfig, captured)
	assert.Nil(t, tlsConfig.Time)
	assert.Equal(t, fixedTime, captured.Time())

	clientOnly := struct{ TLSEngine }{TLSEngineStdlib{}}
	_, err = NewTLSSession(context.Background(), cfg, clientOnly, TLSModeServer, tlsConfig, DefaultSLogger())
	require.ErrorIs(t, err, ErrTLSServerUnsupported)

	_, err = NewTLSSession(context.Background(), cfg, engine, TLSModeUnset, tlsConfig, DefaultSLogger())
	require.ErrorIs(t, err, ErrTLSModeUnset)
}

// A failed handshake is logged with the peer certificate and then
// returned by every Wrap and Unwrap.
func TestTLSSessionHandshakeError(t *testing.T) {
	defer goleak.VerifyNone(t)

	cert := &x509.Certificate{Raw: []byte("test cert data")}
	hostnameErr := x509.HostnameError{Certificate: cert, Host: "wrong.example.com"}
	mockConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return hostnameErr
		},
	}

	logger, records := newCapturingLogger()
	ctx := WithConnName(context.Background(), "conn-3")
	session, err := NewTLSSession(ctx, NewConfig(), newMockTLSEngine(mockConn),
		TLSModeClient, &tls.Config{ServerName: "example.com"}, logger)
	require.NoError(t, err)
	defer session.Close()
	<-session.done

	_, _, err = session.Unwrap([]byte("data"), nil)
	var hostErr x509.HostnameError
	require.ErrorAs(t, err, &hostErr)
	_, _, err = session.Wrap([]byte("data"), nil)
	require.ErrorAs(t, err, &hostErr)

	got := records()
	require.Len(t, got, 2)
	assert.Equal(t, "tlsHandshakeStart", got[0].Message)
	assert.Equal(t, "tlsHandshakeDone", got[1].Message)
	attrs := recordAttrs(got[1])
	assert.Equal(t, "conn-3", attrs["connName"].String())
	assert.Equal(t, "client", attrs["tlsMode"].String())
	assert.Equal(t, "mock", attrs["tlsEngineName"].String())
	assert.Equal(t, [][]byte{cert.Raw}, attrs["tlsPeerCerts"].Any())
}

// While the handshake goroutine is busy, Wrap returns NEED_TASK without
// waiting, and the delegated task is what waits for it.
func TestTLSSessionWrapDuringHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	mockConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	mockConn.FuncConn.ReadFunc = func(b []byte) (int, error) {
		return 0, io.EOF
	}
	session, err := NewTLSSession(context.Background(), NewConfig(),
		newMockTLSEngine(mockConn), TLSModeClient, &tls.Config{ServerName: "example.com"}, DefaultSLogger())
	require.NoError(t, err)
	defer session.Close()

	res, _, err := session.Wrap([]byte("early"), nil)
	require.NoError(t, err)
	assert.Equal(t, TLSStatusOK, res.Status)
	assert.Equal(t, TLSNeedTask, res.HandshakeStatus)
	assert.Zero(t, res.Consumed)

	task := session.DelegatedTask()
	require.NotNil(t, task)
	assert.Nil(t, session.DelegatedTask())
	finished := make(chan struct{})
	go func() {
		task()
		close(finished)
	}()
	select {
	case <-finished:
		require.FailNow(t, "task returned before the handshake")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-finished
	res, _, err = session.Wrap(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TLSFinished, res.HandshakeStatus)
}

// syncExecutor runs delegated tasks inline.
var syncExecutor = ExecutorFunc(func(task func()) error {
	task()
	return nil
})

// newTLSPeers returns a client and a server exchanging through TLS filters
// that use syncExecutor.
func newTLSPeers(t *testing.T, logger SLogger) (client, server *filterPeer) {
	cert, pool := newTestCertificate(t)

	clientFactory := NewTLSFilterFactory(NewConfig(), logger)
	require.NoError(t, clientFactory.SetMode(TLSModeClient))
	require.NoError(t, clientFactory.SetRootCAs(pool))
	require.NoError(t, clientFactory.SetServerName("example.com"))
	require.NoError(t, clientFactory.SetExecutor(syncExecutor))

	serverFactory := NewTLSFilterFactory(NewConfig(), logger)
	require.NoError(t, serverFactory.SetMode(TLSModeServer))
	require.NoError(t, serverFactory.SetCertificates(cert))
	require.NoError(t, serverFactory.SetExecutor(syncExecutor))

	client = newFilterPeer(t, clientFactory)
	server = newFilterPeer(t, serverFactory)
	t.Cleanup(func() {
		client.handler.OnClose()
		server.handler.OnClose()
		clientFactory.Close()
		serverFactory.Close()
	})
	return client, server
}

// Application data sent before the handshake completes reaches the peer
// once it completes, even when the ciphertext arrives one byte at a time.
func TestTLSFilterRoundTrip(t *testing.T) {
	for _, chunk := range []int{1, 7, 1 << 16} {
		client, server := newTLSPeers(t, DefaultSLogger())

		_, err := client.handler.Send([]byte("hello"))
		require.NoError(t, err)
		exchange(t, client, server, chunk)
		assert.Equal(t, "hello", string(server.received))

		_, err = server.handler.Send([]byte("world"))
		require.NoError(t, err)
		exchange(t, client, server, chunk)
		assert.Equal(t, "world", string(client.received))
	}
}

// Records larger than the maximum TLS plaintext are split and reassembled.
func TestTLSFilterLargeMessage(t *testing.T) {
	client, server := newTLSPeers(t, DefaultSLogger())
	exchange(t, client, server, 1<<16)

	message := make([]byte, 3*maxTLSPlaintext+123)
	for idx := range message {
		message[idx] = byte(idx)
	}
	_, err := client.handler.Send(message)
	require.NoError(t, err)
	exchange(t, client, server, 1000)
	assert.Equal(t, message, server.received)
}

// The decrypt buffer starts empty and grows through BUFFER_OVERFLOW results
// without losing plaintext.
func TestTLSFilterDecryptOverflow(t *testing.T) {
	logger, records := newCapturingLogger()
	client, server := newTLSPeers(t, logger)

	_, err := client.handler.Send([]byte("overflowing"))
	require.NoError(t, err)
	exchange(t, client, server, 1)
	assert.Equal(t, "overflowing", string(server.received))

	var overflows int
	for _, record := range recordsNamed(records(), "tlsInbound") {
		attrs := recordAttrs(record)
		if attrs["connName"].String() == server.conn.Name() && attrs["tlsStatus"].String() == "BUFFER_OVERFLOW" {
			overflows++
		}
	}
	assert.Positive(t, overflows)
}

// Closing the client sends close_notify, which the server decrypts as the
// end of the inbound stream.
func TestTLSFilterCloseAlert(t *testing.T) {
	logger, records := newCapturingLogger()
	client, server := newTLSPeers(t, logger)
	exchange(t, client, server, 1<<16)

	require.NoError(t, client.handler.OnClosing(ClosingUser, nil))
	assert.Equal(t, []ClosingType{ClosingUser}, client.closing)
	assert.NotEmpty(t, client.conn.wire)

	exchange(t, client, server, 1<<16)
	var closed bool
	for _, record := range recordsNamed(records(), "tlsInbound") {
		attrs := recordAttrs(record)
		if attrs["connName"].String() == server.conn.Name() && attrs["tlsStatus"].String() == "CLOSED" {
			closed = true
		}
	}
	assert.True(t, closed)
}

// Closing before the handshake completes keeps the connection lingering
// until the queued plaintext is encrypted, and close_notify follows it.
func TestTLSFilterCloseDuringHandshake(t *testing.T) {
	logger, records := newCapturingLogger()
	client, server := newTLSPeers(t, logger)

	_, err := client.handler.Send([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.handler.OnClosing(ClosingUser, nil))
	assert.True(t, client.conn.isLingering())

	exchange(t, client, server, 1<<16)
	assert.Equal(t, "hello", string(server.received))
	assert.False(t, client.conn.isLingering())

	var closed bool
	for _, record := range recordsNamed(records(), "tlsInbound") {
		attrs := recordAttrs(record)
		if attrs["connName"].String() == server.conn.Name() && attrs["tlsStatus"].String() == "CLOSED" {
			closed = true
		}
	}
	assert.True(t, closed)
}

// Closing mid-handshake with nothing queued closes at once.
func TestTLSFilterCloseDuringHandshakeNothingQueued(t *testing.T) {
	client, _ := newTLSPeers(t, DefaultSLogger())
	require.NoError(t, client.handler.OnClosing(ClosingUser, nil))
	assert.False(t, client.conn.isLingering())
}

// A client that does not trust the server certificate fails on inbound.
func TestTLSFilterUntrustedServer(t *testing.T) {
	logger, records := newCapturingLogger()
	cert, _ := newTestCertificate(t)

	clientFactory := NewTLSFilterFactory(NewConfig(), logger)
	require.NoError(t, clientFactory.SetMode(TLSModeClient))
	require.NoError(t, clientFactory.SetRootCAs(x509.NewCertPool()))
	require.NoError(t, clientFactory.SetServerName("example.com"))
	require.NoError(t, clientFactory.SetExecutor(syncExecutor))
	defer clientFactory.Close()

	serverFactory := NewTLSFilterFactory(NewConfig(), DefaultSLogger())
	require.NoError(t, serverFactory.SetMode(TLSModeServer))
	require.NoError(t, serverFactory.SetCertificates(cert))
	require.NoError(t, serverFactory.SetExecutor(syncExecutor))
	defer serverFactory.Close()

	client := newFilterPeer(t, clientFactory)
	defer client.handler.OnClose()
	server := newFilterPeer(t, serverFactory)
	defer server.handler.OnClose()

	err := exchangeErr(client, server, 1<<16)
	var authErr x509.UnknownAuthorityError
	require.ErrorAs(t, err, &authErr)

	done := recordsNamed(records(), "tlsHandshakeDone")
	require.Len(t, done, 1)
	assert.Equal(t, [][]byte{cert.Certificate[0]}, recordAttrs(done[0])["tlsPeerCerts"].Any())
}

// fakeTLSSession is a [TLSSession] whose Wrap is provided by the test.
type fakeTLSSession struct {
	wrap   func(src, dst []byte) (TLSResult, []byte, error)
	closed bool
}

func (s *fakeTLSSession) Wrap(src, dst []byte) (TLSResult, []byte, error) { return s.wrap(src, dst) }
func (s *fakeTLSSession) Unwrap(src, dst []byte) (TLSResult, []byte, error) {
	return TLSResult{Status: TLSStatusBufferUnderflow, Consumed: len(src)}, dst, nil
}
func (s *fakeTLSSession) CloseOutbound()                      {}
func (s *fakeTLSSession) HandshakeStatus() TLSHandshakeStatus { return TLSNotHandshaking }
func (s *fakeTLSSession) DelegatedTask() func()               { return nil }
func (s *fakeTLSSession) Close() error {
	s.closed = true
	return nil
}

// The filter rejects an outbound underflow and closes its session.
func TestTLSFilterOutboundUnderflow(t *testing.T) {
	session := &fakeTLSSession{
		wrap: func(src, dst []byte) (TLSResult, []byte, error) {
			return TLSResult{Status: TLSStatusBufferUnderflow}, dst, nil
		},
	}
	conn := newFakeConnection()
	filter := NewTLSFilter(&fakeFilterContext{conn: conn}, session, syncExecutor, DefaultSLogger())

	in := NewQueue[[]byte]()
	in.Push([]byte("data"))
	conn.Lock()
	err := filter.ApplyOutbound(ReadOnly(in), WriteOnly(NewQueue[[]byte]()))
	conn.Unlock()
	require.ErrorIs(t, err, ErrTLSProtocol)

	require.NoError(t, filter.Close())
	assert.True(t, session.closed)
}

// The filter panics when called from the wrong side of the lock.
func TestTLSFilterThreadingDiscipline(t *testing.T) {
	conn := newFakeConnection()
	session := &fakeTLSSession{}
	filter := NewTLSFilter(&fakeFilterContext{conn: conn}, session, syncExecutor, DefaultSLogger())
	in, out := NewQueue[[]byte](), NewQueue[[]byte]()

	assert.Panics(t, func() {
		filter.ApplyOutbound(ReadOnly(in), WriteOnly(out))
	})

	conn.Lock()
	assert.Panics(t, func() {
		filter.ApplyInbound(ReadOnly(in), WriteOnly(out))
	})
	conn.Unlock()

	done := make(chan any)
	go func() {
		defer func() { done <- recover() }()
		filter.ApplyInbound(ReadOnly(in), WriteOnly(out))
	}()
	assert.NotNil(t, <-done)
}

// The factory refuses to create filters without a mode and freezes after
// the first filter.
func TestTLSFilterFactory(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory := NewTLSFilterFactory(NewConfig(), DefaultSLogger())
	defer factory.Close()
	fc := &fakeFilterContext{conn: newFakeConnection()}

	_, err := factory.NewFilter(fc)
	require.ErrorIs(t, err, ErrTLSModeUnset)

	require.NoError(t, factory.SetEngine(struct{ TLSEngine }{TLSEngineStdlib{}}))
	require.NoError(t, factory.SetMode(TLSModeServer))
	_, err = factory.NewFilter(fc)
	require.ErrorIs(t, err, ErrTLSServerUnsupported)

	require.NoError(t, factory.SetEngine(TLSEngineStdlib{}))
	require.NoError(t, factory.SetMode(TLSModeClient))
	require.NoError(t, factory.SetNextProtos("dot"))
	require.NoError(t, factory.SetRequireClientAuth(false))
	filter, err := factory.NewFilter(fc)
	require.NoError(t, err)
	defer closeFilter(filter)

	assert.ErrorIs(t, factory.SetServerName("example.com"), ErrTLSFactoryFrozen)
	assert.ErrorIs(t, factory.SetMode(TLSModeServer), ErrTLSFactoryFrozen)
	assert.ErrorIs(t, factory.SetCertificates(), ErrTLSFactoryFrozen)
	assert.ErrorIs(t, factory.SetClientCAs(nil), ErrTLSFactoryFrozen)
	assert.ErrorIs(t, factory.SetRand(nil), ErrTLSFactoryFrozen)
}

// GoroutineExecutor runs tasks until closed and then rejects them.
func TestGoroutineExecutor(t *testing.T) {
	executor := &GoroutineExecutor{}
	done := make(chan struct{})
	require.NoError(t, executor.Execute(func() { close(done) }))
	<-done
	require.NoError(t, executor.Close())
	require.ErrorIs(t, executor.Execute(func() {}), ErrExecutorClosed)
}
