// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"net"
	"runtime"
	"time"
)

// Balancing selects the dispatcher that owns a new connection.
type Balancing int

const (
	// RoundRobin assigns connections to dispatchers in turn.
	RoundRobin Balancing = iota

	// LeastConnections assigns a connection to the dispatcher owning the
	// fewest connections.
	LeastConnections
)

// DefaultBufferSize is the default size of socket buffers and read chunks.
const DefaultBufferSize = 1 << 16

// DefaultBacklogSize is the default accept backlog of listening sockets.
const DefaultBacklogSize = 64

// Config holds common configuration for pipenet operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// BacklogSize is the initial accept backlog of listening sockets.
	//
	// Set by [NewConfig] to [DefaultBacklogSize].
	BacklogSize int

	// Balancing is the policy assigning connections to dispatchers.
	//
	// Set by [NewConfig] to [RoundRobin].
	Balancing Balancing

	// BufferSize is the initial size of socket buffers and read chunks.
	//
	// Set by [NewConfig] to [DefaultBufferSize].
	BufferSize int

	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Listener is used by [*ListenFunc].
	//
	// Set by [NewConfig] to [*net.ListenConfig].
	Listener Listener

	// NumDispatchers is the number of dispatchers of a [*Manager].
	//
	// Set by [NewConfig] to [runtime.NumCPU].
	NumDispatchers int

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		BacklogSize:    DefaultBacklogSize,
		Balancing:      RoundRobin,
		BufferSize:     DefaultBufferSize,
		Dialer:         &net.Dialer{},
		ErrClassifier:  DefaultErrClassifier,
		Listener:       &net.ListenConfig{},
		NumDispatchers: runtime.NumCPU(),
		TimeNow:        time.Now,
	}
}
