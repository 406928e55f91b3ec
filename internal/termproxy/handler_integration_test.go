package termproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/logging"
	"github.com/pgtermd/pgtermd/internal/metrics"
	"github.com/pgtermd/pgtermd/internal/tlsconfig"
	"github.com/pgtermd/pgtermd/internal/tlstestutil"
)

// startEchoUpstream starts a plaintext TCP listener that echoes back
// whatever it reads, standing in for a real PostgreSQL backend for
// end-to-end relay tests. It stops when the test ends.
func startEchoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting echo upstream: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().String()
}

// dialAndClassify opens a TCP connection to the handler's listener, sends
// the SSLRequest preamble and confirms the server's 'S' acceptance byte.
func dialAndClassify(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing handler: %v", err)
	}
	if _, err := conn.Write(sslRequestBytes()); err != nil {
		t.Fatalf("writing SSLRequest: %v", err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatalf("reading SSL acceptance byte: %v", err)
	}
	if ack[0] != 'S' {
		t.Fatalf("expected 'S' acceptance byte, got %q", ack[0])
	}
	return conn
}

// TestHandlerHappyPathRoundTripsPayload drives the full TLS-to-plaintext
// path — accept, classify, handshake, dial, relay — against a real upstream
// echo listener and asserts the decrypted payload comes back unchanged.
func TestHandlerHappyPathRoundTripsPayload(t *testing.T) {
	upstreamAddr := startEchoUpstream(t)
	rc := testRouteConfig(t, upstreamAddr)

	tlsCfg, err := tlsconfig.Build(rc)
	if err != nil {
		t.Fatalf("tlsconfig.Build: %v", err)
	}
	h := &Handler{
		RouteName: "r1",
		Route:     rc,
		TLSConfig: tlsCfg,
		Dialer:    NewDialer(),
		Sink:      logging.Discard,
		Metrics:   metrics.New(),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting handler listener: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h.Handle(context.Background(), conn)
	}()

	conn := dialAndClassify(t, ln.Addr().String())
	defer conn.Close()

	tlsClient := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake: %v", err)
	}

	payload := "SELECT 1 round-trips through the relay"
	if _, err := tlsClient.Write([]byte(payload)); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	reader := bufio.NewReader(tlsClient)
	buf := make([]byte, len(payload))
	tlsClient.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("reading echoed payload: %v", err)
	}
	if string(buf) != payload {
		t.Fatalf("payload did not round-trip: got %q, want %q", buf, payload)
	}
}

// mtlsRouteConfig builds a RouteConfig requiring a client certificate signed
// by a freshly generated in-memory CA, returning the CA so callers can issue
// client certificates for success/rejection variants.
func mtlsRouteConfig(t *testing.T, upstream string) (config.RouteConfig, tlstestutil.GeneratedCert) {
	t.Helper()
	ca, err := tlstestutil.GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	rc := testRouteConfig(t, upstream)
	rc.MTLS = config.MTLSRequiredWithCA

	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.crt")
	if err := os.WriteFile(caPath, ca.CertPEM, 0600); err != nil {
		t.Fatalf("writing CA bundle: %v", err)
	}
	rc.ClientCA = caPath

	return rc, ca
}

// TestHandlerMTLSAcceptsValidClientCert exercises the mTLS success path: a
// client presenting a certificate signed by the route's configured CA
// completes the handshake and its payload round-trips through the relay.
func TestHandlerMTLSAcceptsValidClientCert(t *testing.T) {
	upstreamAddr := startEchoUpstream(t)
	rc, ca := mtlsRouteConfig(t, upstreamAddr)

	tlsCfg, err := tlsconfig.Build(rc)
	if err != nil {
		t.Fatalf("tlsconfig.Build: %v", err)
	}
	h := &Handler{
		RouteName: "r1",
		Route:     rc,
		TLSConfig: tlsCfg,
		Dialer:    NewDialer(),
		Sink:      logging.Discard,
		Metrics:   metrics.New(),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting handler listener: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h.Handle(context.Background(), conn)
	}()

	conn := dialAndClassify(t, ln.Addr().String())
	defer conn.Close()

	clientCert, err := ca.IssueClientCert("pgtermd-test-client")
	if err != nil {
		t.Fatalf("IssueClientCert: %v", err)
	}
	keyPair, err := tls.X509KeyPair(clientCert.CertPEM, clientCert.KeyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}

	tlsClient := tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{keyPair},
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake with valid client cert: %v", err)
	}

	payload := "mtls round-trip"
	if _, err := tlsClient.Write([]byte(payload)); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	buf := make([]byte, len(payload))
	tlsClient.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(tlsClient, buf); err != nil {
		t.Fatalf("reading echoed payload: %v", err)
	}
	if string(buf) != payload {
		t.Fatalf("payload did not round-trip: got %q, want %q", buf, payload)
	}
}

// TestHandlerMTLSRejectsMissingClientCert exercises the mTLS rejection path:
// a client that presents no certificate at all must fail the handshake.
func TestHandlerMTLSRejectsMissingClientCert(t *testing.T) {
	upstreamAddr := startEchoUpstream(t)
	rc, _ := mtlsRouteConfig(t, upstreamAddr)

	tlsCfg, err := tlsconfig.Build(rc)
	if err != nil {
		t.Fatalf("tlsconfig.Build: %v", err)
	}
	h := &Handler{
		RouteName: "r1",
		Route:     rc,
		TLSConfig: tlsCfg,
		Dialer:    NewDialer(),
		Sink:      logging.Discard,
		Metrics:   metrics.New(),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting handler listener: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h.Handle(context.Background(), conn)
		close(done)
	}()

	conn := dialAndClassify(t, ln.Addr().String())
	defer conn.Close()

	tlsClient := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	tlsClient.SetDeadline(time.Now().Add(3 * time.Second))
	err = tlsClient.Handshake()
	if err == nil {
		// Under TLS 1.3 the client completes its side of the handshake before
		// the server checks the (absent) certificate; the server's rejection
		// then arrives as an alert on the first read.
		_, err = tlsClient.Read(make([]byte, 1))
	}
	if err == nil {
		t.Fatal("expected handshake to fail without a client certificate")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not return after rejecting the handshake")
	}
}
