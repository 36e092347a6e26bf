// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// newCapturingLogger returns a logger that captures all log records and a
// function returning a snapshot of them. The logger is safe to use from the
// dispatchers while the test goroutine inspects the snapshot.
func newCapturingLogger() (*slog.Logger, func() []slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record.Clone())
			mu.Unlock()
			return nil
		},
	}
	snapshot := func() []slog.Record {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(records)
	}
	return slog.New(handler), snapshot
}

// recordAttrs returns the attributes of record keyed by name.
func recordAttrs(record slog.Record) map[string]slog.Value {
	attrs := make(map[string]slog.Value)
	record.Attrs(func(attr slog.Attr) bool {
		attrs[attr.Key] = attr.Value
		return true
	})
	return attrs
}

// recordsNamed returns the records whose message is msg.
func recordsNamed(records []slog.Record, msg string) (out []slog.Record) {
	for _, record := range records {
		if record.Message == msg {
			out = append(out, record)
		}
	}
	return
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newLoopbackPair returns a loopback TCP listener and a client connected
// to it. Both are closed when the test ends.
func newLoopbackPair(t *testing.T) (net.Listener, net.Conn) {
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	conn, err := net.Dial(ln.Addr().Network(), ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return ln, conn
}

// newTestCertificate returns a self-signed certificate valid for
// "example.com" and a pool trusting it.
func newTestCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		BasicConstraintsValid: true,
		DNSNames:              []string{"example.com"},
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		NotAfter:              time.Now().Add(time.Hour),
		NotBefore:             time.Now().Add(-time.Hour),
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, Leaf: leaf, PrivateKey: key}, pool
}

// handlerEvent is a callback observed by [*recordingHandler].
type handlerEvent struct {
	kind    string
	data    []byte
	closing ClosingType
}

// recordingHandler is a [ConnectionHandler] recording its callbacks.
//
// The optional hooks run inside the callbacks, on the dispatcher.
type recordingHandler struct {
	onBind    func(conn Connection) error
	onReceive func(conn Connection, data []byte) error

	closed chan struct{}
	conn   Connection

	mu     sync.Mutex
	events []handlerEvent
}

var _ ConnectionHandler = &recordingHandler{}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{})}
}

func (h *recordingHandler) record(ev handlerEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHandler) SetConn(conn Connection) {
	h.conn = conn
}

func (h *recordingHandler) Conn() Connection {
	return h.conn
}

func (h *recordingHandler) OnBind() error {
	h.record(handlerEvent{kind: "bind"})
	if h.onBind != nil {
		return h.onBind(h.conn)
	}
	return nil
}

func (h *recordingHandler) OnReceive(data []byte) error {
	h.record(handlerEvent{kind: "receive", data: data})
	if h.onReceive != nil {
		return h.onReceive(h.conn, data)
	}
	return nil
}

func (h *recordingHandler) OnClosing(ct ClosingType, remaining []byte) error {
	h.record(handlerEvent{kind: "closing", closing: ct, data: remaining})
	return nil
}

func (h *recordingHandler) OnClose() {
	h.record(handlerEvent{kind: "close"})
	if h.closed != nil {
		close(h.closed)
	}
}

// snapshot returns a copy of the recorded events.
func (h *recordingHandler) snapshot() []handlerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.events)
}

// kinds returns the kinds of the recorded events in order.
func (h *recordingHandler) kinds() (out []string) {
	for _, ev := range h.snapshot() {
		out = append(out, ev.kind)
	}
	return
}

// received returns the concatenation of the received bytes.
func (h *recordingHandler) received() (out []byte) {
	for _, ev := range h.snapshot() {
		if ev.kind == "receive" {
			out = append(out, ev.data...)
		}
	}
	return
}

// waitClosed waits for OnClose or fails the test.
func (h *recordingHandler) waitClosed(t *testing.T) {
	select {
	case <-h.closed:
	case <-time.After(10 * time.Second):
		t.Fatal("connection did not close")
	}
}

// waitFuture waits for f with a generous timeout.
func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

// fakeConnection is a [Connection] that records what it sends instead of
// using a socket. The goroutine creating it plays the dispatcher.
type fakeConnection struct {
	lock    ownerLock
	manager int64
	name    string

	mu           sync.Mutex
	closed       bool
	err          error
	lingering    bool
	readRequests int
	wire         []byte
}

var _ Connection = &fakeConnection{}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{manager: goroutineID(), name: NewSpanID()}
}

func (c *fakeConnection) Name() string { return c.name }

func (c *fakeConnection) Send(data []byte) int {
	c.mu.Lock()
	c.wire = append(c.wire, data...)
	c.mu.Unlock()
	return 0
}

func (c *fakeConnection) SetEnabled(op Operation, enabled bool) {
	if op == OpRead && enabled {
		c.mu.Lock()
		c.readRequests++
		c.mu.Unlock()
	}
}

func (c *fakeConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConnection) SetErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *fakeConnection) IsManagerThread() bool { return goroutineID() == c.manager }
func (c *fakeConnection) Lock()                 { c.lock.Lock() }
func (c *fakeConnection) Unlock()               { c.lock.Unlock() }
func (c *fakeConnection) HoldsLock() bool       { return c.lock.HoldsLock() }
func (c *fakeConnection) LocalAddr() net.Addr   { return nil }
func (c *fakeConnection) RemoteAddr() net.Addr  { return nil }

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) Linger(hold bool) {
	c.mu.Lock()
	c.lingering = hold
	c.mu.Unlock()
}

// isLingering returns whether a filter holds the connection open.
func (c *fakeConnection) isLingering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lingering
}

// takeWire removes and returns up to n bytes sent so far.
func (c *fakeConnection) takeWire(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = min(n, len(c.wire))
	out := slices.Clone(c.wire[:n])
	c.wire = c.wire[n:]
	return out
}

// takeReadRequest consumes one pending OpRead enable, if any.
func (c *fakeConnection) takeReadRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readRequests <= 0 {
		return false
	}
	c.readRequests--
	return true
}

// fakeFilterContext is a [FilterContext] over a [*fakeConnection].
type fakeFilterContext struct {
	conn    *fakeConnection
	flushes int
}

func (fc *fakeFilterContext) Conn() Connection { return fc.conn }

func (fc *fakeFilterContext) Flush() (int, error) {
	fc.flushes++
	return 0, nil
}

// filterPeer is one end of an in-memory exchange between two
// [*FilteredHandler] instances.
type filterPeer struct {
	conn    *fakeConnection
	handler *FilteredHandler[[]byte]

	received []byte
	closing  []ClosingType
}

func newFilterPeer(t *testing.T, factory FilterFactory[[]byte, []byte]) *filterPeer {
	p := &filterPeer{conn: newFakeConnection()}
	p.handler = NewFilteredHandler(factory, &FilteredCallbacksFuncs[[]byte]{
		OnReceiveFunc: func(unit []byte) error {
			p.received = append(p.received, unit...)
			return nil
		},
		OnClosingFunc: func(ct ClosingType, units [][]byte) error {
			p.closing = append(p.closing, ct)
			for _, unit := range units {
				p.received = append(p.received, unit...)
			}
			return nil
		},
	})
	p.handler.SetConn(p.conn)
	require.NoError(t, p.handler.OnBind())
	return p
}

// deliver moves chunk bytes from the wire of p to peer, and serves the
// pending read requests of peer. It returns whether anything happened.
func (p *filterPeer) deliver(peer *filterPeer, chunk int) (bool, error) {
	progress := false
	for peer.conn.takeReadRequest() {
		if err := peer.handler.OnReceive(nil); err != nil {
			return true, err
		}
		progress = true
	}
	if data := p.conn.takeWire(chunk); len(data) > 0 {
		if err := peer.handler.OnReceive(data); err != nil {
			return true, err
		}
		progress = true
	}
	return progress, nil
}

// exchangeErr runs deliver in both directions until nothing moves or a
// handler fails.
func exchangeErr(a, b *filterPeer, chunk int) error {
	for range 1 << 20 {
		progressA, err := a.deliver(b, chunk)
		if err != nil {
			return err
		}
		progressB, err := b.deliver(a, chunk)
		if err != nil {
			return err
		}
		if !progressA && !progressB {
			return nil
		}
	}
	return errors.New("exchange did not settle")
}

// exchange is like exchangeErr but fails the test on error.
func exchange(t *testing.T, a, b *filterPeer, chunk int) {
	require.NoError(t, exchangeErr(a, b, chunk))
}
