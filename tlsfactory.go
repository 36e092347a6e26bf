// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"sync"
)

// Errors returned by [*TLSFilterFactory].
var (
	// ErrTLSFactoryFrozen indicates a configuration change after the
	// factory created its first filter.
	ErrTLSFactoryFrozen = errors.New("TLS filter factory is frozen")

	// ErrTLSModeUnset indicates a filter requested before choosing a [TLSMode].
	ErrTLSModeUnset = errors.New("TLS mode is not set")
)

// NewTLSFilterFactory returns a new [*TLSFilterFactory] using [TLSEngineStdlib].
//
// The cfg argument contains the common configuration for pipenet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// Call [*TLSFilterFactory.Close] once all the connections using the factory
// are closed.
func NewTLSFilterFactory(cfg *Config, logger SLogger) *TLSFilterFactory {
	executor := &GoroutineExecutor{}
	return &TLSFilterFactory{
		cfg:      cfg,
		engine:   TLSEngineStdlib{},
		executor: executor,
		logger:   logger,
		owned:    executor,
	}
}

// TLSFilterFactory creates a [*TLSFilter] for each connection.
//
// The setters configure the key and trust material and the role. They
// fail with [ErrTLSFactoryFrozen] once the first filter exists, so all the
// connections of a factory share the same configuration.
type TLSFilterFactory struct {
	cfg    *Config
	logger SLogger
	owned  *GoroutineExecutor

	mu                sync.Mutex
	certificates      []tls.Certificate
	clientCAs         *x509.CertPool
	engine            TLSEngine
	executor          Executor
	frozen            bool
	mode              TLSMode
	nextProtos        []string
	rand              io.Reader
	requireClientAuth bool
	rootCAs           *x509.CertPool
	serverName        string
}

var _ FilterFactory[[]byte, []byte] = &TLSFilterFactory{}

// update applies fn to the configuration unless the factory is frozen.
func (ff *TLSFilterFactory) update(fn func()) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.frozen {
		return ErrTLSFactoryFrozen
	}
	fn()
	return nil
}

// SetCertificates sets the certificate chains presented to the peer.
func (ff *TLSFilterFactory) SetCertificates(certs ...tls.Certificate) error {
	return ff.update(func() { ff.certificates = certs })
}

// SetRootCAs sets the authorities a client uses to verify servers.
func (ff *TLSFilterFactory) SetRootCAs(pool *x509.CertPool) error {
	return ff.update(func() { ff.rootCAs = pool })
}

// SetClientCAs sets the authorities a server uses to verify clients.
func (ff *TLSFilterFactory) SetClientCAs(pool *x509.CertPool) error {
	return ff.update(func() { ff.clientCAs = pool })
}

// SetRand sets the source of randomness. The default is [crypto/rand].
func (ff *TLSFilterFactory) SetRand(rand io.Reader) error {
	return ff.update(func() { ff.rand = rand })
}

// SetRequireClientAuth makes servers require and verify client certificates.
func (ff *TLSFilterFactory) SetRequireClientAuth(require bool) error {
	return ff.update(func() { ff.requireClientAuth = require })
}

// SetServerName sets the name a client expects in the server certificate.
func (ff *TLSFilterFactory) SetServerName(name string) error {
	return ff.update(func() { ff.serverName = name })
}

// SetNextProtos sets the ALPN protocols to offer.
func (ff *TLSFilterFactory) SetNextProtos(protos ...string) error {
	return ff.update(func() { ff.nextProtos = protos })
}

// SetMode sets whether the filters act as clients or servers.
func (ff *TLSFilterFactory) SetMode(mode TLSMode) error {
	return ff.update(func() { ff.mode = mode })
}

// SetEngine sets the [TLSEngine]. Server mode requires a [TLSServerEngine].
func (ff *TLSFilterFactory) SetEngine(engine TLSEngine) error {
	return ff.update(func() { ff.engine = engine })
}

// SetExecutor sets the [Executor] running the delegated tasks.
func (ff *TLSFilterFactory) SetExecutor(executor Executor) error {
	return ff.update(func() { ff.executor = executor })
}

// tlsConfigLocked builds the [*tls.Config] shared by the sessions.
func (ff *TLSFilterFactory) tlsConfigLocked() *tls.Config {
	config := &tls.Config{
		Certificates: ff.certificates,
		ClientCAs:    ff.clientCAs,
		NextProtos:   ff.nextProtos,
		Rand:         ff.rand,
		RootCAs:      ff.rootCAs,
		ServerName:   ff.serverName,
	}
	if ff.requireClientAuth {
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config
}

// NewFilter implements [FilterFactory].
//
// The first successful call freezes the factory.
func (ff *TLSFilterFactory) NewFilter(fc FilterContext) (OobFilter[[]byte, []byte], error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.mode == TLSModeUnset {
		return nil, ErrTLSModeUnset
	}
	ctx := WithConnName(context.Background(), fc.Conn().Name())
	session, err := NewTLSSession(ctx, ff.cfg, ff.engine, ff.mode, ff.tlsConfigLocked(), ff.logger)
	if err != nil {
		return nil, err
	}
	ff.frozen = true
	return NewTLSFilter(fc, session, ff.executor, ff.logger), nil
}

// Close waits for the delegated tasks started by the default executor.
func (ff *TLSFilterFactory) Close() error {
	return ff.owned.Close()
}
