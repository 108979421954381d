package mw

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// RetryAttemptKey is the metadata key holding the zero-based attempt
// number of the env a downstream handler sees.
const RetryAttemptKey = "retry.attempt"

// Retry re-dispatches failed requests for methods listed in methods.
// Downstream errors are retried, as are responses (or *StatusError) with a
// status in statuses. Each attempt runs on a clone of the incoming env.
// Waits start at interval and grow by backoff_factor up to max_interval; a
// Retry-After header in seconds raises the wait. After max retries the
// last result is returned as is.
func (k *Kit) Retry(overrides registry.Options) chain.Factory {
	return func(next chain.Handler) (chain.Handler, error) {
		rl := &retryLink{m: k.metrics, sleep: k.sleep}
		if _, err := k.newLink(k.types.Retry, next, rl, overrides); err != nil {
			return nil, err
		}
		return rl, nil
	}
}

type retryLink struct {
	*chain.Link
	m     *metrics.RelayMetrics
	sleep func(ctx context.Context, d time.Duration) error

	max         int
	interval    time.Duration
	maxInterval time.Duration
	factor      float64
	statuses    map[int]bool
	methods     map[string]bool
}

func (r *retryLink) configure(l *chain.Link) error {
	r.Link = l
	opts := l.Options()
	var err error
	if r.max, err = optInt(opts, "max"); err != nil {
		return err
	}
	if r.interval, err = optDuration(opts, "interval"); err != nil {
		return err
	}
	if r.maxInterval, err = optDuration(opts, "max_interval"); err != nil {
		return err
	}
	if r.factor, err = optFloat(opts, "backoff_factor"); err != nil {
		return err
	}
	if r.statuses, err = optIntSet(opts, "statuses"); err != nil {
		return err
	}
	if r.methods, err = optStringSet(opts, "methods", strings.ToUpper); err != nil {
		return err
	}
	if r.max < 0 {
		r.max = 0
	}
	if r.factor < 1 {
		r.factor = 1
	}
	return nil
}

func (r *retryLink) Process(ctx context.Context, env *chain.Env) (*chain.Env, error) {
	if r.max == 0 || !r.methods[strings.ToUpper(env.Method)] {
		return r.Link.Process(ctx, env)
	}

	wait := r.interval
	for attempt := 0; ; attempt++ {
		cur := env.Clone()
		cur.ResetResponse()
		cur.Set(RetryAttemptKey, attempt)

		resp, err := r.Link.Process(ctx, cur)
		reason := r.reason(resp, err)
		if reason == "" || attempt >= r.max || ctx.Err() != nil {
			if err == nil {
				adopt(env, resp)
				return env, nil
			}
			return resp, err
		}

		if r.m != nil {
			r.m.IncRetry(env.Method, reason)
		}
		d := r.backoff(wait, resp)
		r.Logger().Debug(ctx, "retrying upstream request",
			"attempt", attempt+1,
			"reason", reason,
			"wait_seconds", d.Seconds(),
		)
		if serr := r.sleep(ctx, d); serr != nil {
			if err == nil {
				adopt(env, resp)
				return env, nil
			}
			return resp, err
		}
		wait = r.grow(wait)
	}
}

// reason is "" when the result should not be retried.
func (r *retryLink) reason(resp *chain.Env, err error) string {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ""
		}
		var se *StatusError
		if errors.As(err, &se) {
			if r.statuses[se.Status] {
				return "status"
			}
			return ""
		}
		return "error"
	}
	if resp != nil && r.statuses[resp.Status] {
		return "status"
	}
	return ""
}

func (r *retryLink) backoff(wait time.Duration, resp *chain.Env) time.Duration {
	if resp != nil {
		if s := resp.ResponseHeader.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && secs > 0 {
				if ra := time.Duration(secs) * time.Second; ra > wait {
					wait = ra
				}
			}
		}
	}
	if r.maxInterval > 0 && wait > r.maxInterval {
		wait = r.maxInterval
	}
	return wait
}

func (r *retryLink) grow(wait time.Duration) time.Duration {
	next := time.Duration(math.Round(float64(wait) * r.factor))
	if r.maxInterval > 0 && next > r.maxInterval {
		return r.maxInterval
	}
	return next
}

// adopt copies the outcome of the final attempt back onto the caller's env
// so state recorded there by outer links stays attached to the result.
func adopt(env, resp *chain.Env) {
	if resp == nil || resp == env {
		return
	}
	env.Status = resp.Status
	env.ResponseHeader = resp.ResponseHeader
	env.ResponseBody = resp.ResponseBody
	for k, v := range resp.Metadata {
		env.Set(k, v)
	}
}
