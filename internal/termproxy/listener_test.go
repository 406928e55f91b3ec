package termproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/logging"
	"github.com/pgtermd/pgtermd/internal/metrics"
	"github.com/pgtermd/pgtermd/internal/tlsconfig"
)

func newTestListener(t *testing.T, rc config.RouteConfig) *RouteListener {
	t.Helper()
	tlsCfg, err := tlsconfig.Build(rc)
	if err != nil {
		t.Fatalf("tlsconfig.Build: %v", err)
	}
	h := &Handler{
		RouteName: "r1",
		Route:     rc,
		TLSConfig: tlsCfg,
		Dialer:    &fakeDialer{err: errUnreachable},
		Sink:      logging.Discard,
		Metrics:   metrics.New(),
	}
	return &RouteListener{
		RouteName: "r1",
		Route:     rc,
		Handler:   h,
		Sink:      logging.Discard,
		Metrics:   metrics.New(),
	}
}

var errUnreachable = &net.OpError{Op: "dial", Err: net.UnknownNetworkError("unreachable")}

func TestRouteListenerBindsAndAccepts(t *testing.T) {
	rc := testRouteConfig(t, "unused:0")
	rl := newTestListener(t, rc)
	if err := rl.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.Serve(ctx)

	conn, err := net.Dial("tcp", rl.Addr().String())
	if err != nil {
		t.Fatalf("dialing listener: %v", err)
	}
	defer conn.Close()
}

func TestRouteListenerRejectsOverloadWithDenyByte(t *testing.T) {
	rc := testRouteConfig(t, "unused:0")
	rc.MaxConnections = 1
	rc.RejectPolicy = config.RejectDenyByte
	rc.PreambleTimeout = 2 * time.Second

	rl := newTestListener(t, rc)
	if err := rl.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.Serve(ctx)

	addr := rl.Addr().String()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing first connection: %v", err)
	}
	defer first.Close()

	// Give the accept loop time to acquire the single connection slot; the
	// first connection never sends a preamble, so it holds the slot for the
	// duration of the test.
	time.Sleep(100 * time.Millisecond)

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing second connection: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	n, err := second.Read(buf)
	if err != nil {
		t.Fatalf("expected a deny byte for the overloaded connection, got error: %v", err)
	}
	if n != 1 || buf[0] != 'N' {
		t.Fatalf("expected deny byte 'N', got %q", buf[:n])
	}
}
