// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCountingConn returns a conn counting its Close calls.
func newCountingConn(count *atomic.Int64) *netstub.FuncConn {
	conn := newMinimalConn()
	conn.CloseFunc = func() error {
		count.Add(1)
		return nil
	}
	return conn
}

// Closing the wrapper closes the wrapped conn exactly once, even when the
// context is cancelled afterwards.
func TestCancelWatchFuncClose(t *testing.T) {
	var count atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wrapped, err := NewCancelWatchFunc().Call(ctx, newCountingConn(&count))
	require.NoError(t, err)

	require.NoError(t, wrapped.Close())
	assert.Equal(t, int64(1), count.Load())

	cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

// Cancelling the context closes the wrapped conn, also when the context
// is already cancelled at Call time.
func TestCancelWatchFuncClosesOnCancel(t *testing.T) {
	for _, early := range []bool{false, true} {
		var count atomic.Int64
		ctx, cancel := context.WithCancel(context.Background())
		if early {
			cancel()
		}

		_, err := NewCancelWatchFunc().Call(ctx, newCountingConn(&count))
		require.NoError(t, err)
		cancel()

		assert.Eventually(t, func() bool {
			return count.Load() == 1
		}, time.Second, 10*time.Millisecond)
	}
}

// Cancelling the manager context unblocks a read on the wrapped conn.
func TestCancelWatchFuncUnblocksRead(t *testing.T) {
	_, conn := newLoopbackPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	wrapped, err := NewCancelWatchFunc().Call(ctx, conn)
	require.NoError(t, err)
	_, err = syscallConn(wrapped)
	require.NoError(t, err)

	errch := make(chan error, 1)
	go func() {
		_, err := wrapped.Read(make([]byte, 1))
		errch <- err
	}()
	cancel()

	select {
	case err := <-errch:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not interrupted")
	}
}
