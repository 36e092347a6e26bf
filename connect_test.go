// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewConnectFunc populates all fields from Config and the provided logger.
func TestNewConnectFunc(t *testing.T) {
	fn := NewConnectFunc(NewConfig(), DefaultSLogger())

	require.NotNil(t, fn)
	assert.Equal(t, "tcp", fn.Network)
	assert.NotNil(t, fn.Dialer)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Call dials the address and returns either a net.Conn or an error.
func TestConnectFunc(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// dialErr is the error returned by the mock dialer.
		dialErr error

		// wantErr indicates whether we expect an error.
		wantErr bool
	}{
		{name: "successful connect"},
		{name: "dial error", dialErr: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotNetwork, gotAddress string
			cfg := NewConfig()
			cfg.Dialer = &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					gotNetwork, gotAddress = network, address
					if tt.dialErr != nil {
						return nil, tt.dialErr
					}
					conn := newMinimalConn()
					conn.CloseFunc = func() error { return nil }
					return conn, nil
				},
			}

			conn, err := NewConnectFunc(cfg, DefaultSLogger()).Call(
				context.Background(), netip.MustParseAddrPort("10.0.0.1:853"))

			assert.Equal(t, "tcp", gotNetwork)
			assert.Equal(t, "10.0.0.1:853", gotAddress)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}

// Call propagates the caller's context deadline to the dialer.
func TestConnectFuncCallerContextDeadline(t *testing.T) {
	expectedTimeout := 5 * time.Second
	dialCalled := false
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialCalled = true
			deadline, ok := ctx.Deadline()
			assert.True(t, ok, "context should have deadline from caller")
			assert.True(t, time.Until(deadline) <= expectedTimeout)
			return nil, errors.New("expected error")
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), expectedTimeout)
	defer cancel()
	_, _ = NewConnectFunc(cfg, DefaultSLogger()).Call(ctx, netip.MustParseAddrPort("10.0.0.1:853"))

	assert.True(t, dialCalled)
}

// Call emits connectStart/connectDone log events.
func TestConnectFuncLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	_, _ = NewConnectFunc(cfg, logger).Call(context.Background(), netip.MustParseAddrPort("10.0.0.1:853"))

	got := records()
	require.Len(t, got, 2)
	assert.Equal(t, "connectStart", got[0].Message)
	assert.Equal(t, "connectDone", got[1].Message)
	assert.Equal(t, "10.0.0.1:853", recordAttrs(got[1])["remoteAddr"].String())
	assert.NotEmpty(t, recordAttrs(got[1])["errClass"].String())
}

// ListenFunc binds the address and logs the bound port.
func TestListenFunc(t *testing.T) {
	logger, records := newCapturingLogger()
	fn := NewListenFunc(NewConfig(), logger)
	assert.Equal(t, "tcp", fn.Network)

	ln, err := fn.Call(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer ln.Close()

	got := records()
	require.Len(t, got, 2)
	assert.Equal(t, "listenStart", got[0].Message)
	assert.Equal(t, "listenDone", got[1].Message)
	assert.Equal(t, ln.Addr().String(), recordAttrs(got[1])["localAddr"].String())
	assert.NotEqual(t, "127.0.0.1:0", ln.Addr().String())
}

// ListenFunc returns the listener error.
func TestListenFuncError(t *testing.T) {
	ln, err := NewListenFunc(NewConfig(), DefaultSLogger()).Call(
		context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer ln.Close()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	again, err := NewListenFunc(NewConfig(), DefaultSLogger()).Call(context.Background(), addr)
	require.Error(t, err)
	assert.Nil(t, again)
}
