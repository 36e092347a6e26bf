// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Errors returned by [*Manager] operations.
var (
	// ErrManagerClosed indicates that the manager has been closed.
	ErrManagerClosed = errors.New("manager closed")

	// ErrInvalidBufferSize indicates a buffer size that is not positive.
	ErrInvalidBufferSize = errors.New("invalid buffer size")

	// ErrInvalidBacklogSize indicates a backlog size that is not positive.
	ErrInvalidBacklogSize = errors.New("invalid backlog size")

	// ErrInvalidInitArgument indicates an argument not matching the [InitType].
	ErrInvalidInitArgument = errors.New("invalid init argument")
)

// InitType is the kind of connection created by [*Manager.Init].
type InitType int

const (
	// InitConnect dials a [netip.AddrPort].
	InitConnect InitType = iota

	// InitAccept accepts one connection on a [netip.AddrPort].
	InitAccept

	// InitRegister adopts an already connected [net.Conn].
	InitRegister
)

// String implements [fmt.Stringer].
func (kind InitType) String() string {
	switch kind {
	case InitConnect:
		return "connect"
	case InitAccept:
		return "accept"
	case InitRegister:
		return "register"
	default:
		return "unknown"
	}
}

// Manager multiplexes connections over a pool of dispatchers.
//
// Each connection belongs to exactly one dispatcher for its whole life. The
// dispatcher runs every handler callback and every inbound filter of the
// connections it owns, one event at a time.
//
// Construct using [NewManager]. All exported fields are safe to modify after
// construction but before first use.
type Manager struct {
	// Balancing is the policy assigning connections to dispatchers.
	//
	// Set by [NewManager] from [Config.Balancing].
	Balancing Balancing

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewManager] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewManager] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewManager] from [Config.TimeNow].
	TimeNow func() time.Time

	affinityMu  sync.Mutex
	affinity    map[string]*dispatcher
	bufferSize  atomic.Int64
	cancel      context.CancelFunc
	closeErr    error
	closeOnce   sync.Once
	connect     Func[netip.AddrPort, net.Conn]
	ctx         context.Context
	dispatchers []*dispatcher
	group       *errgroup.Group
	listen      Func[netip.AddrPort, net.Listener]
	next        atomic.Uint64
	pumps       sync.WaitGroup
	wrap        Func[net.Conn, net.Conn]
}

// NewManager creates a [*Manager] and starts its dispatchers.
//
// The cfg argument contains the common configuration for pipenet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// Call [*Manager.Close] to stop the dispatchers and close every connection.
func NewManager(cfg *Config, logger SLogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		Balancing:     cfg.Balancing,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		affinity:      make(map[string]*dispatcher),
		cancel:        cancel,
		connect:       NewConnectFunc(cfg, logger),
		ctx:           ctx,
		listen:        NewListenFunc(cfg, logger),
		wrap:          Compose2(NewObserveConnFunc(cfg, logger), NewCancelWatchFunc()),
	}
	m.bufferSize.Store(int64(max(cfg.BufferSize, 1)))

	group, gctx := errgroup.WithContext(ctx)
	m.group = group
	for id := range max(cfg.NumDispatchers, 1) {
		d := newDispatcher(m, id, max(cfg.BacklogSize, 1))
		m.dispatchers = append(m.dispatchers, d)
		group.Go(func() error {
			return d.run(gctx)
		})
	}
	return m
}

// Init creates a connection bound to handler and returns the future
// resolving to it.
//
// The arg must be a [netip.AddrPort] for [InitConnect] and [InitAccept]
// and a [net.Conn] for [InitRegister]. For [InitConnect] and [InitRegister]
// the future resolves once the connection is bound. For [InitAccept] it
// resolves once the listening socket is ready, which allows connecting to
// it right away; the connection binds when a peer connects.
//
// The manager calls handler.SetConn before returning. If the connection
// closes before resolving the future, the future fails with the cause.
func (m *Manager) Init(kind InitType, handler ConnectionHandler, arg any) *Future[*Conn] {
	if m.ctx.Err() != nil {
		closeArg(arg)
		return failedFuture[*Conn](ErrManagerClosed)
	}
	var (
		d  *dispatcher
		ev event
	)
	switch kind {
	case InitConnect:
		addr, ok := arg.(netip.AddrPort)
		if !ok || !addr.IsValid() {
			return failedFuture[*Conn](ErrInvalidInitArgument)
		}
		d, ev = m.pick(), event{kind: eventConnect, addr: addr}

	case InitAccept:
		addr, ok := arg.(netip.AddrPort)
		if !ok || !addr.IsValid() {
			return failedFuture[*Conn](ErrInvalidInitArgument)
		}
		d, ev = m.pickAccept(addr), event{kind: eventAccept, addr: addr}

	case InitRegister:
		netConn, ok := arg.(net.Conn)
		if !ok || netConn == nil {
			return failedFuture[*Conn](ErrInvalidInitArgument)
		}
		d, ev = m.pick(), event{kind: eventRegister, netConn: netConn}

	default:
		closeArg(arg)
		return failedFuture[*Conn](ErrInvalidInitArgument)
	}

	conn := newConn(d, handler)
	handler.SetConn(conn)
	ev.conn = conn
	d.load.Add(1)
	if !d.post(ev) {
		d.load.Add(-1)
		closeArg(arg)
		return failedFuture[*Conn](ErrManagerClosed)
	}
	return conn.future
}

// closeArg closes a connection whose ownership was passed to [*Manager.Init].
func closeArg(arg any) {
	if closer, ok := arg.(net.Conn); ok && closer != nil {
		closer.Close()
	}
}

// Connect is a shortcut for [*Manager.Init] with [InitConnect].
func (m *Manager) Connect(handler ConnectionHandler, addr netip.AddrPort) *Future[*Conn] {
	return m.Init(InitConnect, handler, addr)
}

// Accept is a shortcut for [*Manager.Init] with [InitAccept].
func (m *Manager) Accept(handler ConnectionHandler, addr netip.AddrPort) *Future[*Conn] {
	return m.Init(InitAccept, handler, addr)
}

// Register is a shortcut for [*Manager.Init] with [InitRegister].
func (m *Manager) Register(handler ConnectionHandler, conn net.Conn) *Future[*Conn] {
	return m.Init(InitRegister, handler, conn)
}

// pick selects the dispatcher for a new connection according to Balancing.
func (m *Manager) pick() *dispatcher {
	if m.Balancing == LeastConnections {
		best := m.dispatchers[0]
		for _, d := range m.dispatchers[1:] {
			if d.load.Load() < best.load.Load() {
				best = d
			}
		}
		return best
	}
	idx := m.next.Add(1) - 1
	return m.dispatchers[idx%uint64(len(m.dispatchers))]
}

// pickAccept returns the dispatcher already listening on addr, so that
// pending accepts on the same address share one listener.
func (m *Manager) pickAccept(addr netip.AddrPort) *dispatcher {
	if addr.Port() == 0 {
		return m.pick()
	}
	m.affinityMu.Lock()
	defer m.affinityMu.Unlock()
	key := addr.String()
	d := m.affinity[key]
	if d == nil {
		d = m.pick()
		m.affinity[key] = d
	}
	return d
}

// rememberAffinity makes d the owner of the listener at key, unless another
// dispatcher already owns it.
func (m *Manager) rememberAffinity(key string, d *dispatcher) {
	m.affinityMu.Lock()
	if m.affinity[key] == nil {
		m.affinity[key] = d
	}
	m.affinityMu.Unlock()
}

// forgetAffinity drops the accept affinity of key if it points to d.
func (m *Manager) forgetAffinity(key string, d *dispatcher) {
	m.affinityMu.Lock()
	if m.affinity[key] == d {
		delete(m.affinity, key)
	}
	m.affinityMu.Unlock()
}

// SetBufferSize sets the read chunk and socket buffer size used by the
// connections bound from now on.
func (m *Manager) SetBufferSize(size int) error {
	if size <= 0 {
		return ErrInvalidBufferSize
	}
	m.bufferSize.Store(int64(size))
	return nil
}

// BufferSize returns the read chunk and socket buffer size.
func (m *Manager) BufferSize() int {
	return int(m.bufferSize.Load())
}

// SetBacklogSize sets the accept backlog of the listeners created from now on.
func (m *Manager) SetBacklogSize(ctx context.Context, size int) error {
	if size <= 0 {
		return ErrInvalidBacklogSize
	}
	_, err := fanOut(ctx, m, eventSetBacklogSize, func(d *dispatcher) Unit {
		d.backlogSize = size
		return Unit{}
	})
	return err
}

// BacklogSize returns the accept backlog of new listeners.
func (m *Manager) BacklogSize(ctx context.Context) (int, error) {
	sizes, err := fanOut(ctx, m, eventGetBacklogSize, func(d *dispatcher) int {
		return d.backlogSize
	})
	if err != nil {
		return 0, err
	}
	return sizes[0], nil
}

// BoundAddresses returns the addresses of all the listening sockets.
func (m *Manager) BoundAddresses(ctx context.Context) ([]net.Addr, error) {
	lists, err := fanOut(ctx, m, eventGetBoundAddresses, (*dispatcher).boundAddresses)
	if err != nil {
		return nil, err
	}
	var out []net.Addr
	for _, list := range lists {
		out = append(out, list...)
	}
	return out, nil
}

// Connections returns all the connections that are not closed yet.
func (m *Manager) Connections(ctx context.Context) ([]*Conn, error) {
	lists, err := fanOut(ctx, m, eventGetConnections, (*dispatcher).connections)
	if err != nil {
		return nil, err
	}
	var out []*Conn
	for _, list := range lists {
		out = append(out, list...)
	}
	return out, nil
}

// fanOut runs fn on every dispatcher and collects the results in order.
func fanOut[T any](ctx context.Context, m *Manager, kind eventKind, fn func(d *dispatcher) T) ([]T, error) {
	futures := make([]*Future[T], 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		f := newFuture[T]()
		d.request(event{
			kind: kind,
			run: func(d *dispatcher) {
				f.resolve(fn(d), nil)
			},
			fail: func(err error) {
				var zero T
				f.resolve(zero, err)
			},
		})
		futures = append(futures, f)
	}
	out := make([]T, 0, len(futures))
	for _, f := range futures {
		value, err := f.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

// Close stops the dispatchers, closes every connection with [ClosingError]
// and [ErrManagerClosed], and waits for all the goroutines to exit.
//
// Close is idempotent. It must not be called from a handler callback,
// since those run on the dispatchers Close waits for.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.closeErr = m.group.Wait()
		m.pumps.Wait()
	})
	return m.closeErr
}

// closed returns whether Close has been called.
func (m *Manager) closed() bool {
	return m.ctx.Err() != nil
}

var (
	defaultManagerMu sync.Mutex
	defaultManager   *Manager
)

// DefaultManager returns the process-wide [*Manager], creating it with
// [NewConfig] and [DefaultSLogger] on first use or after it was closed.
func DefaultManager() *Manager {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	if defaultManager == nil || defaultManager.closed() {
		defaultManager = NewManager(NewConfig(), DefaultSLogger())
	}
	return defaultManager
}

// CloseDefaultManager closes the process-wide [*Manager], if any.
func CloseDefaultManager() error {
	defaultManagerMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultManagerMu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
