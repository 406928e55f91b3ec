package termproxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgtermd/pgtermd/internal/admin"
	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/logging"
	"github.com/pgtermd/pgtermd/internal/metrics"
	"github.com/pgtermd/pgtermd/internal/tlsconfig"
)

// ShutdownGracePeriod bounds how long Shutdown waits for in-flight
// connections to finish relaying on their own before force-closing them.
const ShutdownGracePeriod = 10 * time.Second

// route bundles one RouteListener with the pieces a reload needs to decide
// whether to rebuild it.
type route struct {
	cfg      config.RouteConfig
	listener *RouteListener
	cancel   context.CancelFunc
}

// routeSet is an immutable snapshot of the running routes, stored in
// atomic.Value for lock-free reads from the admin status handler.
type routeSet struct {
	routes map[string]*route
}

// Supervisor owns the full set of route listeners, starts and stops them
// under an errgroup, and diffs route sets on config hot-reload.
type Supervisor struct {
	Sink    logging.Sink
	Metrics *metrics.Collector

	snap atomic.Value // holds *routeSet

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a Supervisor with an empty route set. Call Start to
// bring up the initial configuration.
func NewSupervisor(sink logging.Sink, m *metrics.Collector) *Supervisor {
	s := &Supervisor{Sink: sink, Metrics: m}
	s.snap.Store(&routeSet{routes: map[string]*route{}})
	return s
}

// Start binds and launches every route in cfg under an errgroup derived from
// ctx, then returns without waiting for them; Wait blocks until they stop. A
// route whose Serve returns an error cancels the group's context.
func (s *Supervisor) Start(ctx context.Context, cfg *config.Config) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(s.ctx)

	rs := &routeSet{routes: map[string]*route{}}
	for name, rc := range cfg.Routes {
		rt, err := s.buildRoute(name, rc)
		if err != nil {
			return fmt.Errorf("route %s: %w", name, err)
		}
		rs.routes[name] = rt
		s.spawn(rt)
	}
	s.snap.Store(rs)

	return nil
}

// Wait blocks until every route listener has stopped, returning the first
// fatal error (if any).
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Shutdown cancels every route's context (stopping their accept loops) and
// closes their listeners to unblock Accept immediately, then waits up to
// ShutdownGracePeriod for in-flight connections to finish relaying on their
// own before force-closing whatever is left.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	rs := s.load()
	for _, rt := range rs.routes {
		rt.listener.Close()
	}

	drained := make(chan struct{})
	go func() {
		for _, rt := range rs.routes {
			<-rt.listener.Drained()
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(ShutdownGracePeriod):
		for _, rt := range rs.routes {
			rt.listener.CloseActive()
		}
		<-drained
	}
}

func (s *Supervisor) buildRoute(name string, rc config.RouteConfig) (*route, error) {
	tlsCfg, err := tlsconfig.Build(rc)
	if err != nil {
		return nil, err
	}

	handler := &Handler{
		RouteName: name,
		Route:     rc,
		TLSConfig: tlsCfg,
		Dialer:    NewDialer(),
		Sink:      s.Sink,
		Metrics:   s.Metrics,
	}
	listener := &RouteListener{
		RouteName: name,
		Route:     rc,
		Handler:   handler,
		Sink:      s.Sink,
		Metrics:   s.Metrics,
	}
	if err := listener.Listen(); err != nil {
		return nil, err
	}

	return &route{cfg: rc, listener: listener}, nil
}

func (s *Supervisor) spawn(rt *route) {
	ctx, cancel := context.WithCancel(s.ctx)
	rt.cancel = cancel
	s.group.Go(func() error {
		return rt.listener.Serve(ctx)
	})
}

func (s *Supervisor) load() *routeSet {
	return s.snap.Load().(*routeSet)
}

// Reload diffs newCfg against the running route set: unchanged routes are
// left untouched (including their live connections), changed or removed
// routes are torn down, and added or changed routes are rebuilt and
// started. A route only needs a new ServerTlsContext when its TLS-relevant
// fields changed; everything else takes effect for new connections without
// a rebuild.
func (s *Supervisor) Reload(newCfg *config.Config) error {
	cur := s.load()
	next := &routeSet{routes: map[string]*route{}}

	var added, changed, removed int

	for name, rc := range newCfg.Routes {
		existing, ok := cur.routes[name]
		if ok && existing.cfg.BindAddress == rc.BindAddress && existing.cfg.TLSUnchanged(rc) {
			existing.cfg = rc
			next.routes[name] = existing
			continue
		}

		if ok {
			existing.cancel()
			existing.listener.Close()
			changed++
		} else {
			added++
		}

		rt, err := s.buildRoute(name, rc)
		if err != nil {
			return fmt.Errorf("reload: route %s: %w", name, err)
		}
		next.routes[name] = rt
		s.spawn(rt)
	}

	for name, existing := range cur.routes {
		if _, stillPresent := next.routes[name]; !stillPresent {
			existing.cancel()
			existing.listener.Close()
			removed++
		}
	}

	s.snap.Store(next)
	s.Sink.ConfigReloaded(added, changed, removed)
	return nil
}

// Status implements admin.StatusProvider.
func (s *Supervisor) Status() []admin.RouteStatus {
	rs := s.load()
	out := make([]admin.RouteStatus, 0, len(rs.routes))
	for name, rt := range rs.routes {
		out = append(out, admin.RouteStatus{
			Name:            name,
			BindAddress:     rt.cfg.BindAddress,
			UpstreamAddress: rt.cfg.UpstreamAddress,
			MTLS:            string(rt.cfg.MTLS),
			ActiveConns:     int64(rt.listener.ActiveCount()),
		})
	}
	return out
}
