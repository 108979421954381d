package mw

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Kit builds links of the built-in types. It carries the collaborators the
// middleware report to; any of them may be left unset.
type Kit struct {
	types      *Types
	logger     log.Logger
	metrics    *metrics.RelayMetrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	// sleep and now are replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type Option func(*Kit)

func WithLogger(l log.Logger) Option {
	return func(k *Kit) {
		if l != nil {
			k.logger = l
		}
	}
}

func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(k *Kit) { k.metrics = m }
}

// WithTracerProvider sets where tracing links create spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(k *Kit) {
		if tp != nil {
			k.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(k *Kit) {
		if p != nil {
			k.propagator = p
		}
	}
}

const tracerName = "linnemanlabs/relay/mw"

// NewKit returns a Kit for types. nil types means Builtin.
func NewKit(types *Types, opts ...Option) *Kit {
	if types == nil {
		types = Builtin
	}
	k := &Kit{
		types:      types,
		logger:     log.Nop(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

func (k *Kit) Types() *Types { return k.types }

// configurer is implemented by behaviors that read their link's merged
// options once the link exists.
type configurer interface {
	configure(l *chain.Link) error
}

// link returns a factory creating a plain link of type t. Every call of
// the factory gets its own behavior from newB.
func (k *Kit) link(t *registry.Type, overrides registry.Options, newB func() configurer) chain.Factory {
	return func(next chain.Handler) (chain.Handler, error) {
		l, err := k.newLink(t, next, newB(), overrides)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func (k *Kit) newLink(t *registry.Type, next chain.Handler, b configurer, overrides registry.Options) (*chain.Link, error) {
	if err := k.checkOverrides(t, overrides); err != nil {
		return nil, err
	}
	l, err := chain.New(k.types.reg, t, next, b, overrides, chain.WithLogger(k.logger))
	if err != nil {
		return nil, err
	}
	if err := b.configure(l); err != nil {
		return nil, xerrors.Wrapf(err, "configure %s", t.Name())
	}
	return l, nil
}

// checkOverrides rejects instance overrides naming keys the type does not
// understand, the same way SetDefaults does for registry layers.
func (k *Kit) checkOverrides(t *registry.Type, overrides registry.Options) error {
	var unknown []string
	for key := range overrides {
		if !t.Allows(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &registry.ConfigurationError{Type: t.Name(), Keys: unknown, Err: registry.ErrUnknownOption}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}
