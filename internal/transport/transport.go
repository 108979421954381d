// Package transport is the terminal handler of a relay chain: it sends the
// env's request with net/http and fills in the response.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/version"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrNoURL        = errors.New("transport: env has no url")
	ErrBodyTooLarge = errors.New("transport: response body exceeds limit")
)

const defaultMaxBody = 10 << 20

// HTTP sends requests over a shared *http.Client. It is safe for concurrent
// use; Close releases idle connections and rejects further requests.
type HTTP struct {
	client  *http.Client
	base    http.RoundTripper
	maxBody int64
	ua      string
	logger  log.Logger
	closed  atomic.Bool
}

type config struct {
	base      http.RoundTripper
	timeout   time.Duration
	maxBody   int64
	userAgent string
	logger    log.Logger
	tp        trace.TracerProvider
	prop      propagation.TextMapPropagator
	traced    bool
}

type Option func(*config)

// WithBase sets the round tripper requests finally go through. Defaults to
// a clone of http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(c *config) {
		if rt != nil {
			c.base = rt
		}
	}
}

// WithTimeout bounds each request including reading the body. 0 means no
// limit beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxBody caps how many response body bytes are read. Larger bodies
// fail with ErrBodyTooLarge.
func WithMaxBody(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithUserAgent sets User-Agent on requests that do not carry one.
func WithUserAgent(ua string) Option {
	return func(c *config) { c.userAgent = ua }
}

func WithLogger(l log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracing wraps the round tripper with otelhttp so every request gets
// an HTTP client span. nil arguments fall back to the globals.
func WithTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.traced = true
		c.tp = tp
		c.prop = prop
	}
}

func New(opts ...Option) *HTTP {
	c := &config{
		maxBody:   defaultMaxBody,
		userAgent: version.Get().UserAgent(),
		logger:    log.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.base == nil {
		c.base = http.DefaultTransport.(*http.Transport).Clone()
	}

	rt := c.base
	if c.traced {
		var oo []otelhttp.Option
		if c.tp != nil {
			oo = append(oo, otelhttp.WithTracerProvider(c.tp))
		}
		if c.prop != nil {
			oo = append(oo, otelhttp.WithPropagators(c.prop))
		}
		oo = append(oo, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method
		}))
		rt = otelhttp.NewTransport(rt, oo...)
	}

	return &HTTP{
		client: &http.Client{
			Transport: rt,
			Timeout:   c.timeout,
		},
		base:    c.base,
		maxBody: c.maxBody,
		ua:      c.userAgent,
		logger:  c.logger,
	}
}

// Process performs the request described by env. Any HTTP status is a
// successful round trip; only transport failures return an error.
func (h *HTTP) Process(ctx context.Context, env *chain.Env) (*chain.Env, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if env.URL == nil {
		return nil, ErrNoURL
	}

	var body io.Reader
	if len(env.Body) > 0 {
		body = bytes.NewReader(env.Body)
	}
	req, err := http.NewRequestWithContext(ctx, env.Method, env.URL.String(), body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build request %s %s", env.Method, env.URL.Redacted())
	}
	if env.Header != nil {
		req.Header = env.Header.Clone()
		if host := env.Header.Get("Host"); host != "" {
			req.Host = host
		}
	}
	if req.Header.Get("User-Agent") == "" && h.ua != "" {
		req.Header.Set("User-Agent", h.ua)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s %s", env.Method, env.URL.Redacted())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read response body of %s %s", env.Method, env.URL.Redacted())
	}
	if int64(len(data)) > h.maxBody {
		return nil, xerrors.Wrapf(ErrBodyTooLarge, "%s %s: more than %d bytes", env.Method, env.URL.Redacted(), h.maxBody)
	}

	env.Status = resp.StatusCode
	env.ResponseHeader = resp.Header
	env.ResponseBody = data
	return env, nil
}

// Close drops idle connections. Calling it more than once is harmless.
func (h *HTTP) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ci, ok := h.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
	h.logger.Debug(context.Background(), "transport closed")
	return nil
}
