package middleware

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/fisync/fisync/pkg/conn"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/server"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestSession(t *testing.T) *server.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	reg := server.NewRegistry("secret", nil)
	id := reg.Accept(conn.New(a))
	s, ok := reg.Get(id)
	if !ok {
		t.Fatal("accepted session not found")
	}
	return s
}

func moduleRequest(requestID string) protocol.Message {
	return protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyModuleID, "viewer").
		Set(protocol.KeyRequestID, requestID)
}

func ok(context.Context, *server.Session, protocol.Message) error { return nil }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	if m.Histogram == nil {
		t.Fatal("expected histogram metric to have Histogram field")
	}
	return m.GetHistogram().GetSampleCount()
}

// =============================================================================
// Prometheus
// =============================================================================

func TestPrometheusRecordsSuccessAndError(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, c := PrometheusCollector(WithRegistry(reg))
	s := newTestSession(t)
	ctx := context.Background()

	if err := mw(ok)(ctx, s, moduleRequest(protocol.RequestSubscribe)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notFound := protocol.NotFoundf("module request", "unknown module")
	failing := func(context.Context, *server.Session, protocol.Message) error { return notFound }
	if err := mw(failing)(ctx, s, moduleRequest(protocol.RequestGetScene)); !errors.Is(err, notFound) {
		t.Fatalf("error = %v, want %v", err, notFound)
	}

	tests := []struct {
		labels []string
		want   float64
	}{
		{[]string{"Module", "Subscribe", "success"}, 1},
		{[]string{"Module", "GetScene", "error"}, 1},
		{[]string{"Module", "GetScene", "success"}, 0},
	}
	for _, tc := range tests {
		if got := counterValue(t, c.requests.WithLabelValues(tc.labels...)); got != tc.want {
			t.Errorf("requests_total%v = %v, want %v", tc.labels, got, tc.want)
		}
	}
	if got := counterValue(t, c.errors.WithLabelValues("Module", "NotFoundError")); got != 1 {
		t.Errorf("request_errors_total = %v, want 1", got)
	}
	if got := histogramCount(t, c.duration.WithLabelValues("Module")); got != 2 {
		t.Errorf("request_duration_seconds count = %d, want 2", got)
	}
}

func TestPrometheusBoundsLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, c := PrometheusCollector(WithRegistry(reg), WithNamespace("test"), WithSubsystem(""))
	s := newTestSession(t)

	msgs := []protocol.Message{
		protocol.NewMessage("Bogus"),
		moduleRequest("DropTables"),
		protocol.NewMessage(protocol.TypeData).Set(protocol.KeyDataType, "Mesh"),
	}
	for _, msg := range msgs {
		_ = mw(ok)(context.Background(), s, msg)
	}
	tests := [][]string{
		{"unknown", "", "success"},
		{"Module", "unknown", "success"},
		{"Data", "unknown", "success"},
	}
	for _, labels := range tests {
		if got := counterValue(t, c.requests.WithLabelValues(labels...)); got != 1 {
			t.Errorf("requests_total%v = %v, want 1", labels, got)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_requests_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected test_requests_total in the registry")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) server.Middleware {
		return func(next server.HandlerFunc) server.HandlerFunc {
			return func(ctx context.Context, s *server.Session, msg protocol.Message) error {
				order = append(order, name)
				return next(ctx, s, msg)
			}
		}
	}
	h := server.Chain(ok, mark("outer"), mark("inner"))
	if err := h(context.Background(), newTestSession(t), moduleRequest(protocol.RequestGetScene)); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}
