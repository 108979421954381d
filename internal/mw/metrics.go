package mw

import (
	"context"
	"errors"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// Metrics records request counts, latency and response sizes under the
// link's route label. Without a metrics sink on the Kit it only times.
func (k *Kit) Metrics(overrides registry.Options) chain.Factory {
	return k.link(k.types.Metrics, overrides, func() configurer {
		return &metricsHook{instrumentation: instrumentation{now: k.now}, m: k.metrics}
	})
}

type metricsHook struct {
	instrumentation
	m     *metrics.RelayMetrics
	route string
}

func (h *metricsHook) configure(l *chain.Link) error {
	if err := h.configureTiming(l); err != nil {
		return err
	}
	var err error
	h.route, err = optString(l.Options(), "route")
	return err
}

func (h *metricsHook) OnRequest(ctx context.Context, env *chain.Env) {
	h.instrumentation.OnRequest(ctx, env)
	if h.m != nil {
		h.m.IncInflight()
	}
}

func (h *metricsHook) OnComplete(ctx context.Context, env *chain.Env) {
	d := h.finish(env)
	if h.m == nil {
		return
	}
	h.m.DecInflight()
	h.m.ObserveRequest(ctx, env.Method, h.route, env.Status, d, len(env.ResponseBody))
}

func (h *metricsHook) OnError(ctx context.Context, env *chain.Env, err error) {
	d := h.finish(env)
	if h.m == nil {
		return
	}
	h.m.DecInflight()
	h.m.IncRequestError(env.Method, h.route)

	// a raised status still has a response worth counting
	var se *StatusError
	if errors.As(err, &se) {
		h.m.ObserveRequest(ctx, env.Method, h.route, se.Status, d, se.BodySize)
	}
}
