// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prober

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a Dialer whose probe connection is one end of a
// net.Pipe; respond is run in a goroutine serving the other end.
func pipeDialer(t *testing.T, respond func(server net.Conn)) Dialer {
	t.Helper()
	return func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		client, server := net.Pipe()
		go respond(server)
		return client, nil
	}
}

func httpOKResponder(server net.Conn) {
	buf := make([]byte, 256)
	server.Read(buf) // drain the request
	server.Write([]byte("HTTP/1.0 200 OK\r\n\r\n"))
	server.Close()
}

func garbageResponder(server net.Conn) {
	buf := make([]byte, 256)
	server.Read(buf)
	server.Write([]byte("xx"))
	server.Close()
}

func TestProbeTransitionsServerUp(t *testing.T) {
	app := policy.NewApplication(1, "web", 0xC0000201, 80)
	s := &policy.Server{ID: 1, Addr: 0x0A000001, Port: 8080, State: policy.ServerStateDown}
	app.AddServer(s)

	var transitioned bool
	p := New(Config{
		App:    app,
		Params: DefaultParams(),
		Dial:   pipeDialer(t, httpOKResponder),
		OnTransition: func(id uint32, addr uint32, port uint16, up bool) {
			transitioned = up
		},
	})

	p.tickOnce(context.Background())
	require.True(t, transitioned)
	require.Equal(t, policy.ServerStateUp, s.State)
}

func TestProbeFailureTolerantWithinAllowed(t *testing.T) {
	app := policy.NewApplication(1, "web", 0xC0000201, 80)
	s := &policy.Server{ID: 1, Addr: 0x0A000001, Port: 8080, State: policy.ServerStateUp}
	app.AddServer(s)

	params := DefaultParams()
	params.TimeoutsAllowed = 2
	params.ProbeInterval = 0
	params.DownRetryInterval = 0

	purged := false
	p := New(Config{
		App:    app,
		Params: params,
		Dial:   pipeDialer(t, garbageResponder),
		OnDownPurge: func(id uint32) { purged = true },
	})

	p.tickOnce(context.Background())
	require.Equal(t, policy.ServerStateUp, s.State, "one failure within the allowance must not take the server down")
	require.False(t, purged)

	p.tickOnce(context.Background())
	require.Equal(t, policy.ServerStateUp, s.State)

	p.tickOnce(context.Background())
	require.Equal(t, policy.ServerStateDown, s.State, "exceeding timeouts_allowed must transition the server down")
	require.True(t, purged)
}

func TestProbeDialErrorKeepsServerDown(t *testing.T) {
	app := policy.NewApplication(1, "web", 0xC0000201, 80)
	s := &policy.Server{ID: 1, Addr: 0x0A000001, Port: 8080, State: policy.ServerStateDown}
	app.AddServer(s)

	p := New(Config{
		App:    app,
		Params: DefaultParams(),
		Dial: func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
		},
	})

	p.tickOnce(context.Background())
	require.Equal(t, policy.ServerStateDown, s.State)
}
