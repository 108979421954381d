package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// Handler is anything a link can forward to: another link or the terminal
// transport.
type Handler interface {
	Process(ctx context.Context, env *Env) (*Env, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, env *Env) (*Env, error)

func (f HandlerFunc) Process(ctx context.Context, env *Env) (*Env, error) { return f(ctx, env) }

// Closer is the optional close capability of a Handler.
type Closer interface {
	Close() error
}

// RequestHook runs before the env is dispatched downstream.
type RequestHook interface {
	OnRequest(ctx context.Context, env *Env)
}

// CompleteHook runs after the downstream handler returned without error.
type CompleteHook interface {
	OnComplete(ctx context.Context, env *Env)
}

// ErrorHook observes a downstream error. The error is returned to the
// caller unchanged whatever the hook does.
type ErrorHook interface {
	OnError(ctx context.Context, env *Env, err error)
}

var ErrNilDownstream = errors.New("chain: downstream handler is nil")

// Link is one middleware instance wrapping a downstream handler. It holds
// no per-request state, so one Link may serve concurrent Process calls.
type Link struct {
	typ     *registry.Type
	next    Handler
	options registry.Options
	logger  log.Logger

	onRequest  RequestHook
	onComplete CompleteHook
	onError    ErrorHook
}

type LinkOption func(*Link)

// WithLogger sets the logger used for link diagnostics.
func WithLogger(l log.Logger) LinkOption {
	return func(k *Link) {
		if l != nil {
			k.logger = l
		}
	}
}

// New builds a link of type t in front of next. Its options are a copy of
// t's effective defaults in reg with overrides applied on top. behavior
// supplies the hooks: whichever of RequestHook, CompleteHook and ErrorHook
// it implements is resolved here, once. behavior may be nil.
func New(reg *registry.Registry, t *registry.Type, next Handler, behavior any, overrides registry.Options, opts ...LinkOption) (*Link, error) {
	if next == nil {
		return nil, ErrNilDownstream
	}
	if reg == nil {
		reg = registry.Default
	}

	l := &Link{
		typ:     t,
		next:    next,
		options: reg.EffectiveDefaults(t).Merge(overrides),
		logger:  log.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("middleware", l.Name())

	if h, ok := behavior.(RequestHook); ok {
		l.onRequest = h
	}
	if h, ok := behavior.(CompleteHook); ok {
		l.onComplete = h
	}
	if h, ok := behavior.(ErrorHook); ok {
		l.onError = h
	}
	return l, nil
}

// Process runs the request hook, dispatches downstream, then runs exactly
// one of the complete or error hooks. Downstream errors are returned as
// the identical value.
func (l *Link) Process(ctx context.Context, env *Env) (*Env, error) {
	if l.onRequest != nil {
		l.onRequest.OnRequest(ctx, env)
	}

	resp, err := l.next.Process(ctx, env)
	if err != nil {
		if l.onError != nil {
			l.onError.OnError(ctx, env, err)
		}
		return resp, err
	}

	if resp == nil {
		resp = env
	}
	if l.onComplete != nil {
		l.onComplete.OnComplete(ctx, resp)
	}
	return resp, nil
}

// Close forwards to the downstream handler when it can be closed. A
// downstream without Close is tolerated: one warning is logged and nil is
// returned.
func (l *Link) Close() error {
	if c, ok := l.next.(Closer); ok {
		return c.Close()
	}
	l.logger.Warn(context.Background(), "downstream handler does not support close",
		"handler", fmt.Sprintf("%T", l.next),
	)
	return nil
}

// Options returns a copy of the link's merged options.
func (l *Link) Options() registry.Options { return l.options.Clone() }

// Option returns a single option value.
func (l *Link) Option(key string) (any, bool) {
	v, ok := l.options[key]
	return v, ok
}

func (l *Link) Type() *registry.Type { return l.typ }
func (l *Link) Next() Handler        { return l.next }
func (l *Link) Logger() log.Logger   { return l.logger }

func (l *Link) Name() string {
	if l.typ == nil {
		return "anonymous"
	}
	return l.typ.Name()
}
