// Package termproxy implements the protocol-blind TLS termination proxy: it
// classifies the PostgreSQL preamble, terminates (and optionally requires
// mutual) TLS on behalf of the upstream, then relays ciphertext-free bytes
// to a plaintext upstream without parsing anything past the handshake.
package termproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/logging"
	"github.com/pgtermd/pgtermd/internal/metrics"
	"github.com/pgtermd/pgtermd/internal/preamble"
)

// Dialer is satisfied by *net.Dialer; tests can substitute a fake to
// simulate an unreachable upstream without binding a real listener.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handler drives one accepted connection through the classify, handshake,
// dial, relay state machine for a single route. It holds no per-connection
// state of its own. A reload that changes the route's TLS-affecting fields
// builds a new Handler instead of modifying this one.
type Handler struct {
	RouteName string
	Route     config.RouteConfig
	TLSConfig *tls.Config
	Dialer    Dialer
	Sink      logging.Sink
	Metrics   *metrics.Collector
}

// Handle runs the full connection lifecycle and always closes clientConn
// before returning. It never returns an error — every failure is terminal
// for this connection and is reported through Sink and Metrics instead.
func (h *Handler) Handle(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	peer := clientConn.RemoteAddr().String()
	sink := h.sink()

	clientConn.SetReadDeadline(time.Now().Add(h.Route.PreambleTimeout))
	cls, err := preamble.Read(clientConn)
	clientConn.SetReadDeadline(time.Time{})
	if err != nil {
		sink.Debug("preamble read failed", "route", h.RouteName, "peer", peer, "err", err)
		h.Metrics.ConnectionRejected(h.RouteName, "preamble_error")
		return
	}
	sink.PreambleClassified(peer, cls.Kind.String())

	if cls.Kind != preamble.SSLRequest {
		h.rejectNonSSL(clientConn)
		h.Metrics.ConnectionRejected(h.RouteName, "rejected")
		return
	}

	if _, err := clientConn.Write([]byte{'S'}); err != nil {
		sink.Warn("writing SSL acceptance byte failed", "route", h.RouteName, "peer", peer, "err", err)
		h.Metrics.ConnectionRejected(h.RouteName, "preamble_error")
		return
	}

	tlsConn := tls.Server(clientConn, h.TLSConfig)
	clientConn.SetDeadline(time.Now().Add(h.Route.HandshakeTimeout))
	start := time.Now()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		clientConn.SetDeadline(time.Time{})
		sink.TLSHandshakeFailed(peer, err.Error())
		h.Metrics.ConnectionRejected(h.RouteName, "tls_failed")
		return
	}
	clientConn.SetDeadline(time.Time{})
	h.Metrics.HandshakeDuration(h.RouteName, time.Since(start))
	sink.TLSHandshakeOK(peer, tlsConn.ConnectionState().ServerName)

	dialCtx, cancel := context.WithTimeout(ctx, h.Route.DialTimeout)
	upstreamConn, err := h.Dialer.DialContext(dialCtx, "tcp", h.Route.UpstreamAddress)
	cancel()
	if err != nil {
		sink.Warn("dialing upstream failed", "route", h.RouteName, "peer", peer, "upstream", h.Route.UpstreamAddress, "err", err)
		h.Metrics.ConnectionRejected(h.RouteName, "upstream_unreachable")
		return
	}
	defer upstreamConn.Close()

	upstream, ok := upstreamConn.(halfCloser)
	if !ok {
		sink.Error("upstream connection cannot half-close", "route", h.RouteName, "peer", peer)
		h.Metrics.ConnectionRejected(h.RouteName, "upstream_unreachable")
		return
	}
	sink.UpstreamConnected(peer, h.Route.UpstreamAddress)

	h.Metrics.ConnectionOpened(h.RouteName)
	result := relay(logging.WithSink(ctx, sink), tlsConn, upstream)
	outcome := "ok"
	if result.Err != nil {
		outcome = "relay_error"
	}
	h.Metrics.ConnectionClosed(h.RouteName, outcome)
	h.Metrics.RelayBytes(h.RouteName, "c2s", result.BytesClientToUpstream)
	h.Metrics.RelayBytes(h.RouteName, "s2c", result.BytesUpstreamToClient)
	sink.RelayClosed(peer, result.BytesClientToUpstream, result.BytesUpstreamToClient, outcome)
}

// rejectNonSSL closes a connection that did not open with SSLRequest,
// honoring the route's configured reject policy.
func (h *Handler) rejectNonSSL(clientConn net.Conn) {
	if h.Route.RejectPolicy == config.RejectDenyByte {
		clientConn.Write([]byte{'N'})
	}
}

func (h *Handler) sink() logging.Sink {
	if h.Sink == nil {
		return logging.Discard
	}
	return h.Sink
}

// netDialer adapts *net.Dialer to the Dialer interface with the route's
// configured timeouts already applied via the per-call context deadline.
type netDialer struct {
	d net.Dialer
}

// NewDialer returns the production Dialer used outside of tests.
func NewDialer() Dialer {
	return &netDialer{}
}

func (nd *netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := nd.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}
