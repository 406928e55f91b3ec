// Package tlsconfig builds the immutable, per-route server-side TLS
// configuration (the ServerTlsContext of the design) from PEM-encoded
// certificate material and an mTLS policy.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pgtermd/pgtermd/internal/config"
)

// Build loads a route's certificate chain, private key, and (if mTLS is
// required) CA bundle, and returns an immutable *tls.Config ready to drive
// tls.Server. All failures are fatal for the route and are returned with the
// route's bind address for startup-error reporting.
func Build(rc config.RouteConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(rc.ServerCert, rc.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("route %s: loading server certificate: %w", rc.BindAddress, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// PostgreSQL does not use ALPN; NextProtos is deliberately left nil.
	}

	if rc.MTLS == config.MTLSRequiredWithCA {
		pool, err := loadCAPool(rc.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("route %s: loading client CA bundle: %w", rc.BindAddress, err)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		cfg.ClientAuth = tls.NoClientCert
	}

	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pem); !ok {
		return nil, fmt.Errorf("no valid certificates found in CA bundle %s", path)
	}
	return pool, nil
}
