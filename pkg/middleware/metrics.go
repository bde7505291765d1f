package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "fisync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "handler").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for handling duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use. Pass the server's own
	// registry (server.Metrics().Registry()) to expose these metrics on
	// its /metrics route.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "fisync",
		Subsystem: "handler",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the collectors of one Prometheus middleware instance.
type Collector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func newCollector(config MetricsConfig) *Collector {
	factory := promauto.With(config.Registry)

	return &Collector{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Authenticated requests handled, by message type and status.",
			ConstLabels: config.ConstLabels,
		}, []string{"message_type", "request", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request handling duration in seconds.",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"message_type"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_errors_total",
			Help:        "Failed requests by message type and error kind.",
			ConstLabels: config.ConstLabels,
		}, []string{"message_type", "error_kind"}),
	}
}

// Prometheus creates middleware that counts and times every authenticated
// request. Each call registers a fresh set of collectors on the configured
// registry, so use one call per registry.
//
// Metrics collected:
//   - fisync_handler_requests_total{message_type,request,status}
//   - fisync_handler_request_duration_seconds{message_type}
//   - fisync_handler_request_errors_total{message_type,error_kind}
//
// Example:
//
//	srv := server.New(cfg)
//	srv.Use(middleware.Prometheus(
//	    middleware.WithRegistry(srv.Metrics().Registry()),
//	))
func Prometheus(opts ...MetricsOption) server.Middleware {
	mw, _ := PrometheusCollector(opts...)
	return mw
}

// PrometheusCollector is Prometheus that also returns the collectors.
func PrometheusCollector(opts ...MetricsOption) (server.Middleware, *Collector) {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	c := newCollector(config)

	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, s *server.Session, msg protocol.Message) error {
			mt := messageTypeLabel(msg.Type())
			start := time.Now()

			err := next(ctx, s, msg)

			c.duration.WithLabelValues(mt).Observe(time.Since(start).Seconds())
			status := "success"
			if err != nil {
				status = "error"
				c.errors.WithLabelValues(mt, protocol.KindOf(err).String()).Inc()
			}
			c.requests.WithLabelValues(mt, requestLabel(msg), status).Inc()
			return err
		}
	}, c
}

// messageTypeLabel bounds label cardinality to the known message types.
func messageTypeLabel(t string) string {
	switch t {
	case protocol.TypeModuleList, protocol.TypeModule, protocol.TypeData:
		return t
	default:
		return "unknown"
	}
}

// requestLabel returns the module RequestID or the data type, bounded to
// the known values.
func requestLabel(msg protocol.Message) string {
	switch msg.Type() {
	case protocol.TypeModule:
		switch id := msg.Info.String(protocol.KeyRequestID); id {
		case protocol.RequestSubscribe, protocol.RequestUnsubscribe, protocol.RequestGetScene,
			protocol.RequestSetInteraction, protocol.RequestTriggerInteraction, protocol.RequestSetTransform:
			return id
		}
		return "unknown"
	case protocol.TypeData:
		switch dt := msg.Info.String(protocol.KeyDataType); dt {
		case protocol.DataTypeImage, protocol.DataTypeStudy:
			return dt
		}
		return "unknown"
	default:
		return ""
	}
}
