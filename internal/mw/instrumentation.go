package mw

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Instrumentation times each request. The start time and, once the
// request returns, the duration are stored in env metadata under
// "<metadata_key>.start" and "<metadata_key>.duration". metrics and
// tracing links derive from it and inherit its options.
func (k *Kit) Instrumentation(overrides registry.Options) chain.Factory {
	return k.link(k.types.Instrumentation, overrides, func() configurer { return &instrumentation{now: k.now} })
}

type instrumentation struct {
	key string
	now func() time.Time
}

func (in *instrumentation) configure(l *chain.Link) error {
	return in.configureTiming(l)
}

func (in *instrumentation) configureTiming(l *chain.Link) error {
	key, err := optString(l.Options(), "metadata_key")
	if err != nil {
		return err
	}
	if key == "" {
		return xerrors.New("metadata_key must not be empty")
	}
	in.key = key
	return nil
}

func (in *instrumentation) OnRequest(_ context.Context, env *chain.Env) {
	env.Set(in.key+".start", in.now())
}

func (in *instrumentation) OnComplete(_ context.Context, env *chain.Env) {
	in.finish(env)
}

func (in *instrumentation) OnError(_ context.Context, env *chain.Env, _ error) {
	in.finish(env)
}

// finish records and returns the time since OnRequest. It is 0 when no
// start time was recorded for this env.
func (in *instrumentation) finish(env *chain.Env) time.Duration {
	var d time.Duration
	if v, ok := env.Get(in.key + ".start"); ok {
		if t, ok := v.(time.Time); ok {
			d = in.now().Sub(t)
		}
	}
	env.Set(in.key+".duration", d)
	return d
}

// Duration returns the duration an instrumentation link stored in env
// under key.
func Duration(env *chain.Env, key string) (time.Duration, bool) {
	if env == nil {
		return 0, false
	}
	v, ok := env.Get(key + ".duration")
	if !ok {
		return 0, false
	}
	d, ok := v.(time.Duration)
	return d, ok
}
