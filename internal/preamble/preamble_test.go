package preamble

import (
	"bytes"
	"io"
	"testing"
)

func TestReadSSLRequest(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}
	c, err := Read(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if c.Kind != SSLRequest {
		t.Fatalf("expected SSLRequest, got %v", c.Kind)
	}
	if c.Raw != [8]byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f} {
		t.Fatalf("raw bytes not preserved: %v", c.Raw)
	}
}

func TestReadNonSSLStartup(t *testing.T) {
	// Typical plaintext StartupMessage prefix: length 0x5C, protocol 3.0
	buf := []byte{0x00, 0x00, 0x00, 0x5c, 0x00, 0x03, 0x00, 0x00}
	c, err := Read(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if c.Kind != NonSSL {
		t.Fatalf("expected NonSSL, got %v", c.Kind)
	}
}

func TestReadGSSEncRequestIsNonSSL(t *testing.T) {
	// code 80877104 == 0x04D21630
	buf := []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x30}
	c, err := Read(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if c.Kind != NonSSL {
		t.Fatalf("expected GSSENCRequest to classify as NonSSL, got %v", c.Kind)
	}
}

func TestReadShortPreamble(t *testing.T) {
	for _, n := range []int{0, 1, 4, 7} {
		buf := make([]byte, n)
		_, err := Read(bytes.NewReader(buf))
		if err != ErrShortPreamble {
			t.Fatalf("n=%d: expected ErrShortPreamble, got %v", n, err)
		}
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestReadIOError(t *testing.T) {
	_, err := Read(errReader{})
	if err == nil || err == ErrShortPreamble {
		t.Fatalf("expected wrapped io error, got %v", err)
	}
}

func TestReadDoesNotOverread(t *testing.T) {
	buf := append([]byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}, []byte("trailing")...)
	r := bytes.NewReader(buf)
	if _, err := Read(r); err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "trailing" {
		t.Fatalf("expected remaining bytes untouched, got %q", rest)
	}
}
