// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// Listener abstracts the [*net.ListenConfig] behavior.
type Listener interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

// NewListenFunc returns a new [*ListenFunc] listening on TCP.
//
// The cfg argument contains the common configuration for pipenet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewListenFunc(cfg *Config, logger SLogger) *ListenFunc {
	return &ListenFunc{
		ErrClassifier: cfg.ErrClassifier,
		Listener:      cfg.Listener,
		Logger:        logger,
		Network:       "tcp",
		TimeNow:       cfg.TimeNow,
	}
}

// ListenFunc opens a listening socket on behalf of an ACCEPT request.
//
// Returns either a valid [net.Listener] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ListenFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewListenFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Listener is the [Listener] to use.
	//
	// Set by [NewListenFunc] from [Config.Listener].
	Listener Listener

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewListenFunc] to the user-provided logger.
	Logger SLogger

	// Network is the network to use.
	//
	// Set by [NewListenFunc] to "tcp".
	Network string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewListenFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[netip.AddrPort, net.Listener] = &ListenFunc{}

// Call invokes the [*ListenFunc] to listen on the given [netip.AddrPort].
func (op *ListenFunc) Call(ctx context.Context, address netip.AddrPort) (net.Listener, error) {
	t0 := op.TimeNow()
	op.Logger.Info(
		"listenStart",
		slog.String("localAddr", address.String()),
		slog.String("protocol", op.Network),
		slog.Time("t", t0),
	)
	ln, err := op.Listener.Listen(ctx, op.Network, address.String())
	boundAddr := ""
	if ln != nil {
		boundAddr = ln.Addr().String()
	}
	op.Logger.Info(
		"listenDone",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", boundAddr),
		slog.String("protocol", op.Network),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	return ln, err
}
