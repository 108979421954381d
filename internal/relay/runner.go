package relay

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

type RunnerOptions struct {
	Logger   log.Logger
	Handler  chain.Handler
	Method   string
	URL      string
	Body     []byte
	Interval time.Duration
	Timeout  time.Duration

	// OnSuccess runs after each request that came back through the whole
	// chain without error.
	OnSuccess func(at time.Time, env *chain.Env)
}

// Runner sends one request through its chain every interval.
type Runner struct {
	h         chain.Handler
	method    string
	url       string
	body      []byte
	interval  time.Duration
	timeout   time.Duration
	logger    log.Logger
	onSuccess func(at time.Time, env *chain.Env)
	now       func() time.Time

	consecutiveErrs int
}

func NewRunner(opts RunnerOptions) *Runner {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		h:         opts.Handler,
		method:    opts.Method,
		url:       opts.URL,
		body:      opts.Body,
		interval:  interval,
		timeout:   opts.Timeout,
		logger:    L.With("component", "relay-runner"),
		onSuccess: opts.OnSuccess,
		now:       time.Now,
	}
}

// Once sends a single request. The timeout bounds the whole chain,
// retries and rate limit waits included.
func (r *Runner) Once(ctx context.Context) (*chain.Env, error) {
	if r.h == nil {
		return nil, chain.ErrNilDownstream
	}
	env, err := chain.NewEnv(r.method, r.url)
	if err != nil {
		return nil, err
	}
	if len(r.body) > 0 {
		env.Body = append([]byte(nil), r.body...)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out, err := r.h.Process(ctx, env)
	if err != nil {
		return out, xerrors.Wrap(xerrors.EnsureTrace(err), "relay request")
	}
	if r.onSuccess != nil {
		r.onSuccess(r.now(), out)
	}
	return out, nil
}

// Run sends a request immediately and then every interval until ctx is
// cancelled. Failures are logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info(ctx, "relay runner started",
		"method", r.method,
		"interval", r.interval.String(),
		"timeout", r.timeout.String(),
	)

	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "relay runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	env, err := r.Once(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.consecutiveErrs++
		r.logger.Warn(ctx, "relay request failed",
			"error", err.Error(),
			"consecutive_errors", r.consecutiveErrs,
		)
		return
	}
	if r.consecutiveErrs > 0 {
		r.logger.Info(ctx, "relay recovered",
			"after_errors", r.consecutiveErrs,
			"http.response.status_code", env.Status,
		)
	}
	r.consecutiveErrs = 0
}
