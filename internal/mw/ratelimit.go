package mw

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// RateLimit holds each request until a token is available. rps <= 0 means
// unlimited. The bucket belongs to the link, so every request through one
// built chain shares it.
func (k *Kit) RateLimit(overrides registry.Options) chain.Factory {
	return func(next chain.Handler) (chain.Handler, error) {
		rl := &rateLimitLink{m: k.metrics, now: k.now}
		if _, err := k.newLink(k.types.RateLimit, next, rl, overrides); err != nil {
			return nil, err
		}
		return rl, nil
	}
}

type rateLimitLink struct {
	*chain.Link
	lim *rate.Limiter
	m   *metrics.RelayMetrics
	now func() time.Time
}

func (r *rateLimitLink) configure(l *chain.Link) error {
	r.Link = l
	opts := l.Options()
	rps, err := optFloat(opts, "rps")
	if err != nil {
		return err
	}
	burst, err := optInt(opts, "burst")
	if err != nil {
		return err
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	r.lim = rate.NewLimiter(limit, burst)
	return nil
}

func (r *rateLimitLink) Process(ctx context.Context, env *chain.Env) (*chain.Env, error) {
	start := r.now()
	if err := r.lim.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(err, "rate limit wait")
	}
	if r.m != nil {
		r.m.ObserveRateLimitWait(r.now().Sub(start))
	}
	return r.Link.Process(ctx, env)
}
