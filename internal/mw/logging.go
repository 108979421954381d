package mw

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

const loggingStartKey = "logging.start"

// Logging logs each request as it leaves, and its response or error when
// it comes back.
func (k *Kit) Logging(overrides registry.Options) chain.Factory {
	return k.link(k.types.Logging, overrides, func() configurer { return &logging{now: k.now} })
}

type logging struct {
	L          log.Logger
	level      slog.Level
	logHeaders bool
	logBodies  bool
	maxBody    int
	now        func() time.Time
}

func (g *logging) configure(l *chain.Link) error {
	opts := l.Options()
	g.L = l.Logger()

	lvl, err := optString(opts, "level")
	if err != nil {
		return err
	}
	if g.level, err = log.ParseLevel(lvl); err != nil {
		return err
	}
	if g.logHeaders, err = optBool(opts, "log_headers"); err != nil {
		return err
	}
	if g.logBodies, err = optBool(opts, "log_bodies"); err != nil {
		return err
	}
	g.maxBody, err = optInt(opts, "max_body")
	return err
}

func (g *logging) OnRequest(ctx context.Context, env *chain.Env) {
	env.Set(loggingStartKey, g.now())

	fields := g.requestFields(env)
	if g.logHeaders {
		fields = append(fields, "http.request.header", env.Header)
	}
	if g.logBodies && len(env.Body) > 0 {
		fields = append(fields, "http.request.body", truncate(env.Body, g.maxBody))
	}
	g.log(ctx, "upstream request", fields...)
}

func (g *logging) OnComplete(ctx context.Context, env *chain.Env) {
	fields := append(g.requestFields(env),
		"http.response.status_code", env.Status,
		"http.response.body.size", len(env.ResponseBody),
		"duration_seconds", g.elapsed(env).Seconds(),
	)
	if g.logHeaders {
		fields = append(fields, "http.response.header", env.ResponseHeader)
	}
	if g.logBodies && len(env.ResponseBody) > 0 {
		fields = append(fields, "http.response.body", truncate(env.ResponseBody, g.maxBody))
	}
	g.log(ctx, "upstream response", fields...)
}

func (g *logging) OnError(ctx context.Context, env *chain.Env, err error) {
	fields := append(g.requestFields(env), "duration_seconds", g.elapsed(env).Seconds())
	var se *StatusError
	if errors.As(err, &se) {
		fields = append(fields, "http.response.status_code", se.Status)
	}
	g.L.Error(ctx, err, "upstream request failed", fields...)
}

func (g *logging) requestFields(env *chain.Env) []any {
	fields := []any{"http.request.method", env.Method}
	if env.URL != nil {
		fields = append(fields, "url.full", env.URL.Redacted())
	}
	if id := RequestIDFrom(env); id != "" {
		fields = append(fields, "request_id", id)
	}
	return fields
}

func (g *logging) elapsed(env *chain.Env) time.Duration {
	if v, ok := env.Get(loggingStartKey); ok {
		if t, ok := v.(time.Time); ok {
			return g.now().Sub(t)
		}
	}
	return 0
}

func (g *logging) log(ctx context.Context, msg string, kv ...any) {
	switch {
	case g.level <= slog.LevelDebug:
		g.L.Debug(ctx, msg, kv...)
	case g.level <= slog.LevelInfo:
		g.L.Info(ctx, msg, kv...)
	default:
		g.L.Warn(ctx, msg, kv...)
	}
}

func truncate(b []byte, max int) string {
	if max > 0 && len(b) > max {
		return string(b[:max]) + "...(truncated)"
	}
	return string(b)
}
