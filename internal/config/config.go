package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pgtermd.
type Config struct {
	AdminBind string                 `yaml:"admin_bind"`
	LogLevel  string                 `yaml:"log_level"`
	Routes    map[string]RouteConfig `yaml:"routes"`
}

// MTLSPolicy selects whether a route requires and verifies a client
// certificate during the TLS handshake.
type MTLSPolicy string

const (
	MTLSDisabled       MTLSPolicy = "off"
	MTLSRequiredWithCA MTLSPolicy = "on"
)

// RejectPolicy selects how a non-SSL first message is handled.
type RejectPolicy string

const (
	// RejectSilent closes the connection without writing any reply bytes.
	// This is the default and the posture the spec requires.
	RejectSilent RejectPolicy = "silent"
	// RejectDenyByte writes a single 'N' byte before closing — an explicit
	// opt-in alternative, never the default.
	RejectDenyByte RejectPolicy = "deny-byte"
)

// RouteConfig describes one (listener, upstream) pair and its TLS identity.
// Immutable after startup; a hot-reload replaces the whole value rather than
// mutating it in place.
type RouteConfig struct {
	BindAddress      string        `yaml:"bind_address"`
	ServerCert       string        `yaml:"server_cert"`
	ServerKey        string        `yaml:"server_key"`
	MTLS             MTLSPolicy    `yaml:"mtls"`
	ClientCA         string        `yaml:"client_ca"`
	UpstreamAddress  string        `yaml:"upstream_address"`
	PreambleTimeout  time.Duration `yaml:"preamble_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"upstream_dial_timeout"`
	ProxyProtocol    bool          `yaml:"proxy_protocol"`
	MaxConnections   int           `yaml:"max_connections"`
	RejectPolicy     RejectPolicy  `yaml:"reject_policy"`
}

// tlsFingerprint is equal across two RouteConfigs iff their TLS-relevant
// fields are identical. The supervisor uses this to decide whether a
// hot-reload must rebuild a route's ServerTlsContext.
type tlsFingerprint struct {
	cert, key, mtls, ca string
}

func (r RouteConfig) tlsFingerprint() tlsFingerprint {
	return tlsFingerprint{cert: r.ServerCert, key: r.ServerKey, mtls: string(r.MTLS), ca: r.ClientCA}
}

// TLSUnchanged reports whether r and other would build an identical
// ServerTlsContext.
func (r RouteConfig) TLSUnchanged(other RouteConfig) bool {
	return r.tlsFingerprint() == other.tlsFingerprint()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, leaving unmatched patterns untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AdminBind == "" {
		cfg.AdminBind = "127.0.0.1:9090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for name, rc := range cfg.Routes {
		if rc.MTLS == "" {
			rc.MTLS = MTLSDisabled
		}
		if rc.RejectPolicy == "" {
			rc.RejectPolicy = RejectSilent
		}
		if rc.PreambleTimeout == 0 {
			rc.PreambleTimeout = 5 * time.Second
		}
		if rc.HandshakeTimeout == 0 {
			rc.HandshakeTimeout = 10 * time.Second
		}
		if rc.DialTimeout == 0 {
			rc.DialTimeout = 5 * time.Second
		}
		cfg.Routes[name] = rc
	}
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	for name, rc := range cfg.Routes {
		if rc.BindAddress == "" {
			return fmt.Errorf("route %q: bind_address is required", name)
		}
		if rc.ServerCert == "" || rc.ServerKey == "" {
			return fmt.Errorf("route %q: server_cert and server_key are required", name)
		}
		if rc.UpstreamAddress == "" {
			return fmt.Errorf("route %q: upstream_address is required", name)
		}
		switch rc.MTLS {
		case MTLSDisabled, MTLSRequiredWithCA:
		default:
			return fmt.Errorf("route %q: mtls must be %q or %q", name, MTLSDisabled, MTLSRequiredWithCA)
		}
		if rc.MTLS == MTLSRequiredWithCA && rc.ClientCA == "" {
			return fmt.Errorf("route %q: client_ca is required when mtls=on", name)
		}
		switch rc.RejectPolicy {
		case RejectSilent, RejectDenyByte:
		default:
			return fmt.Errorf("route %q: reject_policy must be %q or %q", name, RejectSilent, RejectDenyByte)
		}
		if rc.MaxConnections < 0 {
			return fmt.Errorf("route %q: max_connections must not be negative", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls back with the new
// config. Reload failures are reported through onError instead of a
// package-level logger, so the caller decides how to surface them.
type Watcher struct {
	path     string
	callback func(*Config)
	onError  func(error)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher. onError is invoked (from a
// background goroutine: the debounce timer's for reload failures, the
// watcher's own for file-watch errors) whenever a reload fails to parse or
// validate or the file watch reports an error; the
// watcher keeps serving the last-known-good configuration in that case.
func NewWatcher(path string, callback func(*Config), onError func(error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		onError:  onError,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads.
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			if cw.onError != nil {
				cw.onError(fmt.Errorf("config watcher: %w", err))
			}
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		if cw.onError != nil {
			cw.onError(fmt.Errorf("hot-reload failed: %w", err))
		}
		return
	}

	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
