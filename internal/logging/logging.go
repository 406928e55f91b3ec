// Package logging defines the proxy's structured event sink as an explicit
// capability, not a hidden singleton: every component that needs to log
// takes a Sink in its constructor.
package logging

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Sink receives the named structured events emitted by the proxy. Methods
// correspond 1:1 to the event names in the external interface contract.
type Sink interface {
	ServiceStart()
	RouteBound(bind string)
	ConnectionAccepted(bind, peer string)
	PreambleClassified(peer, kind string)
	TLSHandshakeOK(peer, sni string)
	TLSHandshakeFailed(peer, reason string)
	UpstreamConnected(peer, upstream string)
	RelayClosed(peer string, bytesC2S, bytesS2C int64, reason string)
	ServiceShutdown()
	ConfigReloaded(routesAdded, routesChanged, routesRemoved int)

	// Debug/Info/Warn/Error give components an escape hatch for events that
	// don't fit the named contract above (accept backoff, connection-limit
	// rejections, startup failures) without each one inventing its own logger.
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogSink implements Sink on top of log/slog, the teacher's own structured
// logging library.
type SlogSink struct {
	l *slog.Logger
}

// NewSlogSink builds a Sink writing JSON lines to w at the given level.
func NewSlogSink(w io.Writer, level slog.Level) *SlogSink {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &SlogSink{l: slog.New(h)}
}

// ParseLevel maps the config collaborator's log_level strings onto slog
// levels. "trace" has no slog equivalent and is mapped to Debug-4, matching
// the teacher's convention of treating it as "more verbose than debug."
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogSink) ServiceStart() {
	s.l.Info("service_start", "time", time.Now().Format(time.RFC3339))
}

func (s *SlogSink) RouteBound(bind string) {
	s.l.Info("route_bound", "bind", bind)
}

func (s *SlogSink) ConnectionAccepted(bind, peer string) {
	s.l.Debug("connection_accepted", "bind", bind, "peer", peer)
}

func (s *SlogSink) PreambleClassified(peer, kind string) {
	s.l.Debug("preamble_classified", "peer", peer, "kind", kind)
}

func (s *SlogSink) TLSHandshakeOK(peer, sni string) {
	s.l.Info("tls_handshake_ok", "peer", peer, "sni", sni)
}

func (s *SlogSink) TLSHandshakeFailed(peer, reason string) {
	s.l.Warn("tls_handshake_failed", "peer", peer, "reason", reason)
}

func (s *SlogSink) UpstreamConnected(peer, upstream string) {
	s.l.Info("upstream_connected", "peer", peer, "upstream", upstream)
}

func (s *SlogSink) RelayClosed(peer string, bytesC2S, bytesS2C int64, reason string) {
	s.l.Info("relay_closed", "peer", peer, "bytes_c2s", bytesC2S, "bytes_s2c", bytesS2C, "reason", reason)
}

func (s *SlogSink) ServiceShutdown() {
	s.l.Info("service_shutdown")
}

func (s *SlogSink) ConfigReloaded(added, changed, removed int) {
	s.l.Info("config_reloaded", "routes_added", added, "routes_changed", changed, "routes_removed", removed)
}

func (s *SlogSink) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *SlogSink) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *SlogSink) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *SlogSink) Error(msg string, args ...any) { s.l.Error(msg, args...) }

// Discard is a Sink that drops every event; handy as the zero-dependency
// default in tests that don't care about log output.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) ServiceStart()                            {}
func (discardSink) RouteBound(string)                        {}
func (discardSink) ConnectionAccepted(string, string)        {}
func (discardSink) PreambleClassified(string, string)        {}
func (discardSink) TLSHandshakeOK(string, string)            {}
func (discardSink) TLSHandshakeFailed(string, string)        {}
func (discardSink) UpstreamConnected(string, string)         {}
func (discardSink) RelayClosed(string, int64, int64, string) {}
func (discardSink) ServiceShutdown()                         {}
func (discardSink) ConfigReloaded(int, int, int)             {}
func (discardSink) Debug(string, ...any)                     {}
func (discardSink) Info(string, ...any)                      {}
func (discardSink) Warn(string, ...any)                      {}
func (discardSink) Error(string, ...any)                     {}

// contextKey avoids colliding with other packages' context keys.
type contextKey struct{}

// WithSink attaches a Sink to ctx, for call sites that only have a context
// available (e.g. deep inside a relay copy loop).
func WithSink(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext retrieves the Sink attached by WithSink, or Discard if none.
func FromContext(ctx context.Context) Sink {
	if s, ok := ctx.Value(contextKey{}).(Sink); ok {
		return s
	}
	return Discard
}
