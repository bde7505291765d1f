package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/server"
)

// Default tracer name for fisync servers.
const defaultTracerName = "fisync"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "fisync").
	TracerName string

	// TracerProvider overrides the global provider.
	TracerProvider trace.TracerProvider

	// IncludeRemote includes the client's remote address in spans.
	// Disabled by default.
	IncludeRemote bool

	// Filter determines which messages to trace.
	// Return true to trace the message, false to skip.
	// If nil, all messages are traced.
	Filter func(s *server.Session, msg protocol.Message) bool

	// AttributeExtractor extracts custom attributes from a message.
	AttributeExtractor func(s *server.Session, msg protocol.Message) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeRemote enables including the remote address in spans.
func WithIncludeRemote(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeRemote = include
	}
}

// WithMessageFilter sets a filter function for messages.
func WithMessageFilter(filter func(s *server.Session, msg protocol.Message) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(s *server.Session, msg protocol.Message) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
	}
}

// OpenTelemetry creates middleware that traces every authenticated request.
//
// The span is named after the message type and, for module requests, the
// RequestID ("fisync.Module/Subscribe"). The span context is passed to the
// next handler, so the server's data request span becomes its child.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given. Configure it in main() before serving:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) server.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, s *server.Session, msg protocol.Message) error {
			if config.Filter != nil && !config.Filter(s, msg) {
				return next(ctx, s, msg)
			}

			attrs := []attribute.KeyValue{
				attribute.String("fisync.client_id", s.ID),
				attribute.String("fisync.message_type", msg.Type()),
			}
			if id := msg.Info.String(protocol.KeyModuleID); id != "" {
				attrs = append(attrs, attribute.String("fisync.module_id", id))
			}
			if config.IncludeRemote {
				attrs = append(attrs, attribute.String("net.peer.address", s.Remote))
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(s, msg)...)
			}

			ctx, span := tracer.Start(ctx, spanName(msg),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(ctx, s, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.String("fisync.error_kind", protocol.KindOf(err).String()))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}

func spanName(msg protocol.Message) string {
	mt := messageTypeLabel(msg.Type())
	if mt == protocol.TypeModule {
		return fmt.Sprintf("fisync.%s/%s", mt, requestLabel(msg))
	}
	return "fisync." + mt
}
