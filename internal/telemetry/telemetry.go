// Package telemetry wires OpenTelemetry tracing and metrics for the fisync
// binary.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config selects what Setup enables. The zero value enables nothing.
type Config struct {
	ServiceName string
	Version     string
	// Endpoint is the OTLP trace collector: host[:port] for insecure gRPC,
	// or a grpc://, grpcs://, http:// or https:// URL.
	Endpoint string
	// SampleRatio is the fraction of root spans sampled. Zero means 1.
	SampleRatio float64
	// Registerer receives OpenTelemetry metrics through the Prometheus
	// exporter. Nil disables metrics.
	Registerer prometheus.Registerer
	// RuntimeMetrics adds Go runtime metrics. It requires Registerer.
	RuntimeMetrics bool
}

// Telemetry owns the providers created by Setup.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

type errorHandler struct {
	logger *slog.Logger
}

func (h errorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry exporter retry", "error", err)
		return
	}
	h.logger.Warn("telemetry exporter error", "error", err)
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// Setup installs the global tracer provider, meter provider and
// propagators selected by cfg. It returns nil when cfg enables nothing.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Telemetry, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" && cfg.Registerer == nil {
		if cfg.RuntimeMetrics {
			return nil, errors.New("telemetry: runtime metrics require a metrics registerer")
		}
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fisync"
	}

	attrs := []resource.Option{
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &Telemetry{logger: logger}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		target, err := ResolveTarget(endpoint)
		if err != nil {
			return nil, err
		}
		t.tracerProvider, err = newTracerProvider(ctx, target, res, cfg.SampleRatio)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(t.tracerProvider)
		logger.Info("tracing enabled",
			"protocol", target.Protocol,
			"endpoint", target.Endpoint,
			"path", target.Path,
			"insecure", target.Insecure)
	}

	if cfg.Registerer != nil {
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(cfg.Registerer)}
		if cfg.RuntimeMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(t.meterProvider)
		if cfg.RuntimeMetrics {
			if err := startRuntimeMetrics(t.meterProvider); err != nil {
				_ = t.Shutdown(ctx)
				return nil, err
			}
			logger.Info("runtime metrics enabled")
		}
	} else if cfg.RuntimeMetrics {
		_ = t.Shutdown(ctx)
		return nil, errors.New("telemetry: runtime metrics require a metrics registerer")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(errorHandler{logger: logger})
	return t, nil
}

// Shutdown flushes and stops the providers. It is safe on a nil receiver.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry shutdown failed", "error", err)
		return err
	}
	t.logger.Info("telemetry shutdown complete")
	return nil
}

func newTracerProvider(ctx context.Context, target Target, res *resource.Resource, ratio float64) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.Endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.Insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.Endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.Path != "" && target.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.Path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.Protocol, err)
	}
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exporter),
	), nil
}

func startRuntimeMetrics(provider metric.MeterProvider) error {
	runtimeOnce.Do(func() {
		runtimeErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeErr
}

// Target is a resolved OTLP collector address.
type Target struct {
	Protocol string // "grpc" or "http"
	Endpoint string // host:port
	Path     string
	Insecure bool
}

// ResolveTarget parses an OTLP endpoint. A bare host[:port] is insecure
// gRPC; gRPC defaults to port 4317 and HTTP to 4318.
func ResolveTarget(raw string) (Target, error) {
	if raw == "" {
		return Target{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return Target{Protocol: "grpc", Endpoint: endpoint, Insecure: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	t := Target{Endpoint: host, Path: strings.TrimSuffix(u.Path, "/")}
	defaultPort := "4317"
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		t.Protocol, t.Insecure = "grpc", true
	case "grpcs":
		t.Protocol = "grpc"
	case "http":
		t.Protocol, t.Insecure, defaultPort = "http", true, "4318"
	case "https":
		t.Protocol, defaultPort = "http", "4318"
	default:
		return Target{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if t.Endpoint == "" {
		return Target{}, errors.New("telemetry: missing endpoint host")
	}
	if !strings.Contains(t.Endpoint, ":") {
		t.Endpoint = net.JoinHostPort(t.Endpoint, defaultPort)
	}
	return t, nil
}
