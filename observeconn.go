//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package pipenet

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/bassosimone/safeconn"
)

// connNameKey is the context key carrying the name of a managed connection.
type connNameKey struct{}

// WithConnName returns a copy of ctx carrying the given connection name.
//
// [*ObserveConnFunc] attaches the name to every event as connName.
func WithConnName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, connNameKey{}, name)
}

// ConnName returns the connection name carried by ctx, or "".
func ConnName(ctx context.Context) string {
	name, _ := ctx.Value(connNameKey{}).(string)
	return name
}

// NewObserveConnFunc returns a new [*ObserveConnFunc] with default logging.
//
// The cfg argument contains the common configuration for pipenet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveConnFunc(cfg *Config, logger SLogger) *ObserveConnFunc {
	return &ObserveConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveConnFunc observes a [net.Conn] to log I/O operations.
//
// The [*Manager] wraps every socket it binds, so that reads and writes
// performed by the connection's reader and writer are logged at debug level
// and the socket close is logged at info level.
//
// The returned [net.Conn] implements [syscall.Conn] by forwarding to the
// wrapped conn, so the manager can still reach the file descriptor.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ObserveConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewObserveConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewObserveConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, net.Conn] = &ObserveConnFunc{}

// Call wraps conn for logging, tagging events with the name from [ConnName].
func (op *ObserveConnFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	observed := &observedConn{
		conn: conn,
		op:   op,
		fields: []any{
			slog.String("connName", ConnName(ctx)),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		},
	}
	return observed, nil
}

// observedConn observes a [net.Conn].
type observedConn struct {
	closeonce sync.Once
	conn      net.Conn
	fields    []any
	op        *ObserveConnFunc
}

var _ syscall.Conn = &observedConn{}

// logf emits msg with the connection fields followed by extra.
func (c *observedConn) logf(emit func(string, ...any), msg string, extra ...any) {
	args := make([]any, 0, len(c.fields)+len(extra))
	args = append(args, c.fields...)
	args = append(args, extra...)
	emit(msg, args...)
}

// done returns the fields shared by every completion event.
func (c *observedConn) done(t0 time.Time, err error) []any {
	return []any{
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	}
}

// Close implements [net.Conn].
//
// Subsequent calls return [net.ErrClosed], consistent with Go's standard
// library behavior for closed connections.
func (c *observedConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		t0 := c.op.TimeNow()
		c.logf(c.op.Logger.Info, "closeStart", slog.Time("t", t0))
		err = c.conn.Close()
		c.logf(c.op.Logger.Info, "closeDone", c.done(t0, err)...)
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *observedConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *observedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Read implements [net.Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.logf(c.op.Logger.Debug, "readStart", slog.Int("ioBufferSize", len(buf)), slog.Time("t", t0))
	count, err := c.conn.Read(buf)
	c.logf(c.op.Logger.Debug, "readDone", append([]any{slog.Int("ioBytesCount", count)}, c.done(t0, err)...)...)
	return count, err
}

// Write implements [net.Conn].
func (c *observedConn) Write(data []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.logf(c.op.Logger.Debug, "writeStart", slog.Int("ioBufferSize", len(data)), slog.Time("t", t0))
	count, err := c.conn.Write(data)
	c.logf(c.op.Logger.Debug, "writeDone", append([]any{slog.Int("ioBytesCount", count)}, c.done(t0, err)...)...)
	return count, err
}

// SetDeadline implements [net.Conn].
func (c *observedConn) SetDeadline(t time.Time) error {
	c.logDeadline("setDeadline", t)
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *observedConn) SetReadDeadline(t time.Time) error {
	c.logDeadline("setReadDeadline", t)
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *observedConn) SetWriteDeadline(t time.Time) error {
	c.logDeadline("setWriteDeadline", t)
	return c.conn.SetWriteDeadline(t)
}

func (c *observedConn) logDeadline(msg string, deadline time.Time) {
	c.logf(c.op.Logger.Debug, msg, slog.Time("deadline", deadline), slog.Time("t", c.op.TimeNow()))
}

// SyscallConn implements [syscall.Conn].
func (c *observedConn) SyscallConn() (syscall.RawConn, error) {
	return syscallConn(c.conn)
}
