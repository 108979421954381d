// Package relay assembles the standard middleware chain in front of the
// upstream transport and drives it on an interval.
package relay

import (
	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/mw"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// Overrides are per-chain instance options. A nil entry leaves that link
// on its registry defaults, so documents applied to the registry still
// take effect.
type Overrides struct {
	Metrics   registry.Options
	RateLimit registry.Options
	Retry     registry.Options
}

// NewOverrides maps daemon settings onto instance options: route always,
// rps/burst only when positive, retry max only when >= 0.
func NewOverrides(route string, rps float64, burst, retryMax int) Overrides {
	var o Overrides
	if route != "" {
		o.Metrics = registry.Options{"route": route}
	}
	if rps > 0 || burst > 0 {
		o.RateLimit = registry.Options{}
		if rps > 0 {
			o.RateLimit["rps"] = rps
		}
		if burst > 0 {
			o.RateLimit["burst"] = burst
		}
	}
	if retryMax >= 0 {
		o.Retry = registry.Options{"max": retryMax}
	}
	return o
}

// Chain wraps terminal, outermost first:
//
//	request_id, headers, logging, tracing, metrics, raise_error, retry, rate_limit
//
// Every retry attempt passes the rate limiter; metrics and tracing see one
// logical request including its retries.
func Chain(kit *mw.Kit, terminal chain.Handler, o Overrides) (chain.Handler, error) {
	return chain.Build(terminal,
		kit.RequestID(nil),
		kit.Headers(nil),
		kit.Logging(nil),
		kit.Tracing(nil),
		kit.Metrics(o.Metrics),
		kit.RaiseError(nil),
		kit.Retry(o.Retry),
		kit.RateLimit(o.RateLimit),
	)
}
