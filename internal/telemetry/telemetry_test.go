package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		raw  string
		want Target
	}{
		{"collector", Target{Protocol: "grpc", Endpoint: "collector:4317", Insecure: true}},
		{"collector:9000", Target{Protocol: "grpc", Endpoint: "collector:9000", Insecure: true}},
		{"grpc://collector", Target{Protocol: "grpc", Endpoint: "collector:4317", Insecure: true}},
		{"grpcs://collector:443", Target{Protocol: "grpc", Endpoint: "collector:443"}},
		{"http://collector", Target{Protocol: "http", Endpoint: "collector:4318", Insecure: true}},
		{"https://collector/v1/traces/", Target{Protocol: "http", Endpoint: "collector:4318", Path: "/v1/traces"}},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ResolveTarget(tc.raw)
			if err != nil {
				t.Fatalf("ResolveTarget() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("ResolveTarget() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResolveTargetErrors(t *testing.T) {
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := ResolveTarget(raw); err == nil {
			t.Errorf("ResolveTarget(%q) succeeded", raw)
		}
	}
}

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), Config{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("Setup(zero) = %v, %v; want nil, nil", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() error = %v", err)
	}
	if _, err := Setup(context.Background(), Config{RuntimeMetrics: true}, nil); err == nil {
		t.Error("runtime metrics without a registerer should fail")
	}
}

func TestSetupMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, err := Setup(context.Background(), Config{Registerer: reg}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	counter, err := otel.Meter("test").Int64Counter("fisync.test.events")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 3)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families exported")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
