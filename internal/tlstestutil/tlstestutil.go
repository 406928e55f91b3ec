// Package tlstestutil generates throwaway self-signed certificates for
// tests, so TLS-handshake tests never need fixture files checked into the
// repository.
package tlstestutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// GeneratedCert holds PEM-encoded material for a freshly minted certificate,
// plus the signing key for chaining a child certificate to it (used to build
// an in-memory CA + leaf pair for mTLS tests without fixture files).
type GeneratedCert struct {
	CertPEM []byte
	KeyPEM  []byte

	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// GenerateSelfSigned returns a self-signed server certificate valid for the
// given hosts, suitable for tls.LoadX509KeyPair test fixtures.
func GenerateSelfSigned(hosts ...string) (GeneratedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return GeneratedCert{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pgtermd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return GeneratedCert{}, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return GeneratedCert{}, err
	}

	return toGeneratedCert(cert, der, key)
}

// GenerateCA returns a self-signed CA certificate suitable for signing
// client certificates in mTLS tests.
func GenerateCA() (GeneratedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return GeneratedCert{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:                pkix.Name{CommonName: "pgtermd-test-ca"},
		NotBefore:              time.Now().Add(-time.Hour),
		NotAfter:               time.Now().Add(time.Hour),
		KeyUsage:               x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                   true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return GeneratedCert{}, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return GeneratedCert{}, err
	}

	return toGeneratedCert(cert, der, key)
}

// IssueClientCert signs a client certificate for CommonName cn using ca as
// the issuer, returning PEM-encoded cert and key material.
func (ca GeneratedCert) IssueClientCert(cn string) (GeneratedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return GeneratedCert{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	if ca.cert == nil || ca.key == nil {
		return GeneratedCert{}, fmt.Errorf("IssueClientCert: ca was not built by GenerateCA")
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return GeneratedCert{}, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return GeneratedCert{}, err
	}

	return toGeneratedCert(cert, der, key)
}

func toGeneratedCert(cert *x509.Certificate, der []byte, key *ecdsa.PrivateKey) (GeneratedCert, error) {
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return GeneratedCert{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return GeneratedCert{CertPEM: certPEM, KeyPEM: keyPEM, cert: cert, key: key}, nil
}
