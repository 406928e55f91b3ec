package termproxy

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pgtermd/pgtermd/internal/logging"
)

// relayBufferSize is the per-direction copy buffer size. The spec allows
// anything in the 16-64 KiB range; 32 KiB matches common TCP window sizes
// without over-allocating per connection.
const relayBufferSize = 32 * 1024

var relayBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// halfCloser is satisfied by both *tls.Conn and *net.TCPConn: it lets the
// relay signal an orderly half-close (TCP FIN) in one direction without
// tearing down the other.
type halfCloser interface {
	io.Reader
	io.Writer
	CloseWrite() error
}

// RelayResult reports how many bytes moved in each direction before the
// relay tore down, and why it stopped.
type RelayResult struct {
	BytesClientToUpstream int64
	BytesUpstreamToClient int64
	Err                   error
}

// relay copies bytes bidirectionally between client and upstream until
// both directions have finished, each at EOF or on an error. It is
// protocol-blind: it never inspects, frames, or transforms the bytes it
// copies.
//
// When one direction observes EOF, it half-closes the other stream's write
// side so the peer drains an orderly close instead of an abrupt reset. When
// the first direction to finish ends with an error, both streams are closed
// immediately and the other copy goroutine is left to unblock on its own
// I/O error — it cannot run in a CPU-bound loop, so this never leaks a
// goroutine. Otherwise closing the streams is left to the caller.
func relay(ctx context.Context, client, upstream halfCloser) RelayResult {
	sink := logging.FromContext(ctx)

	var wg sync.WaitGroup
	var c2s, s2c int64
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := copyBuffered(upstream, client)
		c2s = n
		if err == nil {
			upstream.CloseWrite()
		} else if normalizeRelayErr(err) != nil {
			sink.Debug("relay copy client->upstream failed", "err", err)
		}
		errs <- err
	}()
	go func() {
		defer wg.Done()
		n, err := copyBuffered(client, upstream)
		s2c = n
		if err == nil {
			client.CloseWrite()
		} else if normalizeRelayErr(err) != nil {
			sink.Debug("relay copy upstream->client failed", "err", err)
		}
		errs <- err
	}()

	first := <-errs
	if first != nil {
		closeIfCloser(client)
		closeIfCloser(upstream)
	}
	second := <-errs
	if second != nil && first == nil {
		first = second
	}

	wg.Wait()

	return RelayResult{
		BytesClientToUpstream: c2s,
		BytesUpstreamToClient: s2c,
		Err:                   normalizeRelayErr(first),
	}
}

func normalizeRelayErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	bufp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bufp)
	return io.CopyBuffer(dst, src, *bufp)
}
