package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/conn"
	"github.com/fisync/fisync/pkg/dataset"
	"github.com/fisync/fisync/pkg/module"
	"github.com/fisync/fisync/pkg/protocol"
)

const tracerName = "github.com/fisync/fisync/pkg/server"

// Option configures a Server.
type Option func(*Server)

// WithDatasets sets the catalog that answers data requests.
func WithDatasets(c *dataset.Catalog) Option {
	return func(s *Server) {
		s.datasets = c
	}
}

// WithTracer sets the tracer used for data request spans. The default is
// the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Subscribers  int    `json:"subscribers"`
	Visuals      int    `json:"visuals"`
	Interactions int    `json:"interactions"`
}

// Server accepts FI clients, authenticates them and routes their requests
// to modules and the dataset catalog.
type Server struct {
	config   *Config
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics
	datasets *dataset.Catalog
	tracer   trace.Tracer
	handler  HandlerFunc

	middleware []Middleware

	modulesMu sync.RWMutex
	modules   map[string]*module.Module
	order     []string

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	httpServer *http.Server
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a server. A nil config uses DefaultConfig.
func New(cfg *Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "server"),
		registry:  NewRegistry(cfg.Password, cfg.Logger),
		tracer:    otel.Tracer(tracerName),
		modules:   make(map[string]*module.Module),
		listeners: make(map[net.Listener]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registry)
	s.registry.setOnSend(s.metrics.observeSend)
	s.registry.SetOnClientDisconnected(s.unsubscribeAll)
	s.middleware = append([]Middleware(nil), cfg.Middleware...)
	s.handler = Chain(s.route, s.middleware...)
	return s
}

// Use appends middleware around message handling. It must be called before
// the server starts serving.
func (s *Server) Use(mws ...Middleware) {
	s.middleware = append(s.middleware, mws...)
	s.handler = Chain(s.route, s.middleware...)
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Datasets returns the dataset catalog, or nil.
func (s *Server) Datasets() *dataset.Catalog { return s.datasets }

// NewModule creates a module using the server's flush interval, logger and
// flush metrics, and registers it.
func (s *Server) NewModule(id, name string, opts ...module.Option) (*module.Module, error) {
	base := []module.Option{
		module.WithLogger(s.config.Logger),
		module.WithCoalescerOptions(
			coalesce.WithInterval(s.config.FlushInterval),
			coalesce.WithFlushHook(s.metrics.observeFlush),
		),
	}
	m := module.New(id, name, append(base, opts...)...)
	if err := s.AddModule(m); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// AddModule registers m. Module IDs are unique.
func (s *Server) AddModule(m *module.Module) error {
	s.modulesMu.Lock()
	defer s.modulesMu.Unlock()
	if _, ok := s.modules[m.ID()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, m.ID())
	}
	s.modules[m.ID()] = m
	s.order = append(s.order, m.ID())
	s.logger.Info("module registered", "module_id", m.ID(), "name", m.Name())
	return nil
}

// Module returns the module with the given ID.
func (s *Server) Module(id string) (*module.Module, bool) {
	s.modulesMu.RLock()
	defer s.modulesMu.RUnlock()
	m, ok := s.modules[id]
	return m, ok
}

// Modules describes the registered modules in registration order.
func (s *Server) Modules() []ModuleInfo {
	s.modulesMu.RLock()
	defer s.modulesMu.RUnlock()
	out := make([]ModuleInfo, 0, len(s.order))
	for _, id := range s.order {
		m := s.modules[id]
		out = append(out, ModuleInfo{
			ID:           m.ID(),
			Name:         m.Name(),
			Subscribers:  len(m.Coalescer().Subscribers()),
			Visuals:      m.Scene().VisualCount(),
			Interactions: m.Scene().InteractionCount(),
		})
	}
	return out
}

func (s *Server) unsubscribeAll(sess *Session) {
	s.modulesMu.RLock()
	mods := make([]*module.Module, 0, len(s.modules))
	for _, m := range s.modules {
		mods = append(mods, m)
	}
	s.modulesMu.RUnlock()
	for _, m := range mods {
		m.Unsubscribe(sess.ID)
	}
}

// ServeConn runs the protocol on one stream until it ends. The stream is
// closed on return.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	if max := s.config.MaxSessions; max > 0 && s.registry.Count() >= max {
		s.metrics.rejected.Inc()
		_ = rwc.Close()
		return ErrMaxSessionsReached
	}

	c := conn.New(rwc,
		conn.WithLogger(s.config.Logger.With("component", "conn")),
		conn.WithQueueSize(s.config.QueueSize),
		conn.WithLimits(s.config.Limits),
		conn.WithDecodeErrorHook(func(error) { s.metrics.decodeErrors.Inc() }),
		conn.WithPanicHook(func(any) { s.metrics.panics.Inc() }),
	)
	id := s.registry.Accept(c)
	sess, ok := s.registry.Get(id)
	if !ok {
		_ = c.Close()
		return NewSessionError(id, "accept", ErrSessionNotFound)
	}
	defer s.registry.Disconnect(id)

	err := c.Run(ctx, func(msg protocol.Message) {
		s.handleMessage(ctx, sess, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return NewSessionError(id, "run", err)
	}
	return nil
}

// Serve accepts FI connections on ln until ctx is done or Shutdown is
// called. It always returns a non-nil error; after Shutdown it is
// ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	ctx, cancel := mergeContext(ctx, s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("accepting clients", "address", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, nc); err != nil {
				s.logger.Debug("connection ended", "remote", nc.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// mergeContext returns a context cancelled when either parent is done.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ListenAndServe listens on the configured FI address and, when set, serves
// the admin surface on AdminAddress.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.Address, err)
	}

	errCh := make(chan error, 2)
	if s.config.AdminAddress != "" {
		handler := otelhttp.NewHandler(s.AdminHandler(), "fisync.admin",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
		httpServer := &http.Server{
			Addr:              s.config.AdminAddress,
			Handler:           handler,
			ReadHeaderTimeout: s.config.ShutdownTimeout,
		}
		s.mu.Lock()
		s.httpServer = httpServer
		s.mu.Unlock()
		go func() {
			s.logger.Info("admin server starting", "address", s.config.AdminAddress)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server: admin: %w", err)
			}
		}()
	}
	go func() {
		errCh <- s.Serve(ctx, ln)
	}()

	err = <-errCh
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting, disconnects every client, closes the modules
// and waits for connection goroutines up to ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.cancel()
	s.registry.CloseAll()

	var shutdownErr error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("admin shutdown error", "error", err)
			shutdownErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}

	s.modulesMu.RLock()
	ids := append([]string(nil), s.order...)
	s.modulesMu.RUnlock()
	for _, id := range ids {
		if m, ok := s.Module(id); ok {
			m.Close()
		}
	}

	s.logger.Info("server shutdown complete")
	return shutdownErr
}
