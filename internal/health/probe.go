package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate flips readiness to false during drain/shutdown.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.draining.Store(true)
	g.reason.Store(reason)
}
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}

// Freshness tracks when a named dependency last succeeded.
type Freshness struct {
	name string
	last atomic.Int64 // unix nanos, 0 = never
	now  func() time.Time
}

func NewFreshness(name string) *Freshness {
	return &Freshness{name: name, now: time.Now}
}

func (f *Freshness) MarkSuccess(t time.Time) { f.last.Store(t.UnixNano()) }

// LastSuccess is the zero time until MarkSuccess is called.
func (f *Freshness) LastSuccess() time.Time {
	n := f.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Probe fails until the first success and whenever the last success is
// older than maxAge. maxAge <= 0 only requires one success.
func (f *Freshness) Probe(maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		last := f.LastSuccess()
		if last.IsZero() {
			return xerrors.Newf("%s: no successful request yet", f.name)
		}
		if maxAge > 0 {
			if age := f.now().Sub(last); age > maxAge {
				return xerrors.Newf("%s: last success %s ago", f.name, age.Truncate(time.Second))
			}
		}
		return nil
	}
}
