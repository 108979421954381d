package otelx

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Disabled path

func TestInit_Disabled_ShutdownIsNoop(t *testing.T) {
	tel, err := Init(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestInit_Disabled_SetsGlobals(t *testing.T) {
	tel, _ := Init(context.Background(), Options{Enabled: false})

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	if tel.TracerProvider != otel.GetTracerProvider() {
		t.Fatal("returned TracerProvider is not the global one")
	}

	fieldSet := make(map[string]bool)
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fieldSet[f] = true
	}
	if !fieldSet["traceparent"] {
		t.Error("propagator missing traceparent field")
	}
	if !fieldSet["baggage"] {
		t.Error("propagator missing baggage field")
	}
}

func TestInit_Disabled_IgnoresAllOptions(t *testing.T) {
	tel, err := Init(context.Background(), Options{
		Enabled:  false,
		Endpoint: "",
		Sample:   99.9,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if tel.Propagator == nil {
		t.Fatal("Propagator is nil")
	}
}

// Enabled path

func TestInit_Enabled_MissingEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Options{Enabled: true})
	if err == nil || !strings.Contains(err.Error(), "otlp endpoint required") {
		t.Fatalf("err = %v, want endpoint required", err)
	}
}

func TestInit_Enabled_CustomExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tel, err := Init(context.Background(), Options{
		Enabled:    true,
		Sample:     1.0,
		Service:    "linnemanlabs-relay",
		Component:  "relay",
		Version:    "v0.0.0-test",
		Attributes: map[string]string{"relay.route": "upstream"},
		Exporter:   exp,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := tel.TracerProvider.Tracer("test").Start(context.Background(), "relay.request")
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "relay.request" {
		t.Fatalf("span name = %q", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if string(kv.Key) == "relay.route" && kv.Value.AsString() == "upstream" {
			found = true
		}
		if string(kv.Key) == "service.name" && kv.Value.AsString() != "linnemanlabs-relay.relay" {
			t.Errorf("service.name = %q", kv.Value.AsString())
		}
	}
	if !found {
		t.Fatal("resource missing relay.route attribute")
	}

	// global provider reset so later tests do not export into a closed pipeline
	_, _ = Init(context.Background(), Options{Enabled: false})
}

func TestInit_Enabled_Stdout(t *testing.T) {
	tel, err := Init(context.Background(), Options{Enabled: true, Stdout: true, Sample: 0})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, ok := tel.TracerProvider.(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T", tel.TracerProvider)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, _ = Init(context.Background(), Options{Enabled: false})
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// gRPC defers connection establishment; an unreachable collector must not
	// hold up startup beyond the dial bound.
	start := time.Now()
	tel, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1.0,
		Service:   "test",
		Component: "test",
		Version:   "v0.0.0-test",
	})
	elapsed := time.Since(start)
	if elapsed > 15*time.Second {
		t.Fatalf("Init took %v, expected bounded by dial timeout", elapsed)
	}
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Logf("shutdown error (expected with no real collector): %v", err)
	}
	_, _ = Init(context.Background(), Options{Enabled: false})
}
