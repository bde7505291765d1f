package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fisync/fisync/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	// Address is the TCP address FI clients connect to.
	Address string

	// AdminAddress is the HTTP address of the admin surface (health,
	// metrics, listings, WebSocket transport). Empty disables it.
	AdminAddress string

	// Password is the shared secret clients must present. An empty
	// password still requires the handshake but accepts only "".
	Password string

	// Limits bounds inbound message sizes.
	Limits protocol.Limits

	// QueueSize is the per-connection outbound queue depth.
	QueueSize int

	// FlushInterval is the coalescer tick of modules created through
	// the server. Modules built elsewhere keep their own interval.
	FlushInterval time.Duration

	// MaxSessions caps live connections. 0 means no limit.
	MaxSessions int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// Profiling mounts net/http/pprof under /debug on the admin surface.
	Profiling bool

	// CheckOrigin validates the Origin header of WebSocket upgrades.
	CheckOrigin func(r *http.Request) bool

	// Middleware wraps the per-message handler, outermost first.
	Middleware []Middleware

	// Logger is the base logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":4510",
		AdminAddress:    ":4511",
		Limits:          protocol.DefaultLimits(),
		QueueSize:       256,
		FlushInterval:   60 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
		CheckOrigin:     SameOriginCheck,
	}
}

// withDefaults returns a copy of c with zero values backfilled.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	cfg := *c
	if cfg.Limits.MaxInfoBytes == 0 {
		cfg.Limits.MaxInfoBytes = def.Limits.MaxInfoBytes
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits.MaxPayloadBytes = def.Limits.MaxPayloadBytes
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = def.CheckOrigin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// SameOriginCheck accepts WebSocket upgrades without an Origin header or
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && u.Host == r.Host
}
