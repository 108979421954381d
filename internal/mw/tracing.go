package mw

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// Tracing wraps everything downstream in a client span and, when
// propagate is set, injects the span context into the request headers.
// The span context travels down the chain in ctx, so the terminal
// transport's own span nests under it.
func (k *Kit) Tracing(overrides registry.Options) chain.Factory {
	return func(next chain.Handler) (chain.Handler, error) {
		tl := &tracingLink{
			instrumentation: instrumentation{now: k.now},
			tracer:          k.tracer,
			propagator:      k.propagator,
		}
		if _, err := k.newLink(k.types.Tracing, next, tl, overrides); err != nil {
			return nil, err
		}
		return tl, nil
	}
}

type tracingLink struct {
	*chain.Link
	instrumentation

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	spanName   string
	propagate  bool
}

func (t *tracingLink) configure(l *chain.Link) error {
	t.Link = l
	if err := t.configureTiming(l); err != nil {
		return err
	}
	opts := l.Options()
	var err error
	if t.spanName, err = optString(opts, "span_name"); err != nil {
		return err
	}
	if t.spanName == "" {
		t.spanName = TypeTracing
	}
	t.propagate, err = optBool(opts, "propagate")
	return err
}

func (t *tracingLink) Process(ctx context.Context, env *chain.Env) (*chain.Env, error) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", env.Method),
	}
	if env.URL != nil {
		attrs = append(attrs,
			attribute.String("url.full", env.URL.Redacted()),
			attribute.String("server.address", env.URL.Hostname()),
		)
	}
	if id := RequestIDFrom(env); id != "" {
		attrs = append(attrs, attribute.String("request_id", id))
	}

	ctx, span := t.tracer.Start(ctx, t.spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if t.propagate {
		if env.Header == nil {
			env.Header = make(http.Header)
		}
		t.propagator.Inject(ctx, propagation.HeaderCarrier(env.Header))
	}

	resp, err := t.Link.Process(ctx, env)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			span.SetAttributes(attribute.Int("http.response.status_code", se.Status))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status),
		attribute.Int("http.response.body.size", len(resp.ResponseBody)),
	)
	if d, ok := Duration(resp, t.key); ok {
		span.SetAttributes(attribute.Float64("relay.duration_seconds", d.Seconds()))
	}
	if resp.Status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	return resp, nil
}
