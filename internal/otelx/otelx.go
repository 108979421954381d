// Package otelx sets up the trace pipeline the relay's tracing links and
// upstream transport report to.
package otelx

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// Attributes are added to the resource, e.g. the upstream route.
	Attributes map[string]string

	// Stdout writes spans to stderr instead of exporting over OTLP.
	Stdout bool

	// Exporter replaces both built-in exporters when set.
	Exporter sdktrace.SpanExporter
}

// Telemetry is what Init installed globally. Callers that build middleware
// hand TracerProvider and Propagator to it explicitly.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	once     sync.Once
	shutdown func(context.Context) error
}

// Shutdown flushes pending spans. Only the first call does any work.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.once.Do(func() { err = t.shutdown(ctx) })
	return err
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)
}

func Init(ctx context.Context, o Options) (*Telemetry, error) {
	prop := newPropagator()
	if !o.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
		return &Telemetry{
			TracerProvider: tp,
			Propagator:     prop,
			shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	exp := o.Exporter
	if exp == nil && o.Stdout {
		var err error
		exp, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, xerrors.Wrap(err, "stdout exporter")
		}
	}
	if exp == nil {
		if o.Endpoint == "" {
			return nil, xerrors.New("otlp endpoint required when tracing is enabled")
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.Endpoint),
		}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		// the exporter dial has no timeout of its own; the collector is
		// local so a short bound is enough
		dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
		defer dialCancel()
		var err error
		exp, err = otlptracegrpc.New(dialCtx, opts...)
		if err != nil {
			return nil, xerrors.Wrap(err, "otlp exporter")
		}
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(o.Service + "." + o.Component),
		semconv.ServiceVersionKey.String(o.Version),
	}
	for k, v := range o.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(o.Sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(prop)

	return &Telemetry{
		TracerProvider: tp,
		Propagator:     prop,
		shutdown:       tp.Shutdown,
	}, nil
}
