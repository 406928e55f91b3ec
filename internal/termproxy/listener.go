package termproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/sync/semaphore"

	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/logging"
	"github.com/pgtermd/pgtermd/internal/metrics"
)

// RouteListener owns one route's bound socket and accept loop. A route with
// max_connections > 0 rejects connections past that limit instead of
// queueing them, reporting the Overloaded outcome.
type RouteListener struct {
	RouteName string
	Route     config.RouteConfig
	Handler   *Handler
	Sink      logging.Sink
	Metrics   *metrics.Collector

	listener net.Listener
	sem      *semaphore.Weighted
	conns    sync.WaitGroup

	activeMu sync.Mutex
	active   map[net.Conn]struct{}
}

// Listen binds the route's address, wrapping it in a PROXY protocol
// listener when the route requests it.
func (rl *RouteListener) Listen() error {
	ln, err := net.Listen("tcp", rl.Route.BindAddress)
	if err != nil {
		return err
	}
	if rl.Route.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	rl.listener = ln
	rl.active = make(map[net.Conn]struct{})
	if rl.Route.MaxConnections > 0 {
		rl.sem = semaphore.NewWeighted(int64(rl.Route.MaxConnections))
	}
	rl.Sink.RouteBound(rl.Route.BindAddress)
	return nil
}

// Addr returns the bound address, valid only after a successful Listen.
func (rl *RouteListener) Addr() net.Addr {
	return rl.listener.Addr()
}

// Serve runs the accept loop until ctx is canceled or the listener is
// closed. Transient accept errors back off briefly instead of busy-looping;
// a closed listener ends the loop cleanly, and any other accept error is
// returned as fatal.
func (rl *RouteListener) Serve(ctx context.Context) error {
	var backoff time.Duration
	for {
		conn, err := rl.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Temporary() {
				rl.Metrics.AcceptError(rl.RouteName, "fatal")
				return fmt.Errorf("route %s: accept: %w", rl.RouteName, err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			rl.Metrics.AcceptError(rl.RouteName, "transient")
			rl.Sink.Warn("accept error", "route", rl.RouteName, "err", err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		peer := conn.RemoteAddr().String()
		rl.Sink.ConnectionAccepted(rl.Route.BindAddress, peer)

		if rl.sem != nil && !rl.sem.TryAcquire(1) {
			rl.Metrics.ConnectionRejected(rl.RouteName, "overloaded")
			rl.Sink.Warn("connection limit reached, rejecting", "route", rl.RouteName, "peer", peer, "max_connections", rl.Route.MaxConnections)
			if rl.Route.RejectPolicy == config.RejectDenyByte {
				conn.Write([]byte{'N'})
			}
			conn.Close()
			continue
		}

		rl.trackActive(conn)
		rl.conns.Add(1)
		go func() {
			defer rl.conns.Done()
			defer rl.untrackActive(conn)
			if rl.sem != nil {
				defer rl.sem.Release(1)
			}
			defer func() {
				if r := recover(); r != nil {
					rl.Sink.Error("connection handler panicked", "route", rl.RouteName, "peer", peer, "panic", r)
					conn.Close()
				}
			}()
			rl.Handler.Handle(ctx, conn)
		}()
	}
}

func (rl *RouteListener) trackActive(conn net.Conn) {
	rl.activeMu.Lock()
	defer rl.activeMu.Unlock()
	rl.active[conn] = struct{}{}
}

func (rl *RouteListener) untrackActive(conn net.Conn) {
	rl.activeMu.Lock()
	defer rl.activeMu.Unlock()
	delete(rl.active, conn)
}

// ActiveCount returns the number of connections currently being handled.
func (rl *RouteListener) ActiveCount() int {
	rl.activeMu.Lock()
	defer rl.activeMu.Unlock()
	return len(rl.active)
}

// CloseActive force-closes every connection currently being handled. Used
// to bound the grace period on shutdown once waiting politely has timed
// out.
func (rl *RouteListener) CloseActive() {
	rl.activeMu.Lock()
	defer rl.activeMu.Unlock()
	for conn := range rl.active {
		conn.Close()
	}
}

// Close closes the listening socket. It does not wait for in-flight
// connections; callers that need graceful drain should cancel the Serve
// context and then call Close to unblock Accept.
func (rl *RouteListener) Close() error {
	if rl.listener == nil {
		return nil
	}
	return rl.listener.Close()
}

// Drained returns a channel that is closed once every in-flight connection
// handled by this listener has finished.
func (rl *RouteListener) Drained() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		rl.conns.Wait()
		close(done)
	}()
	return done
}
