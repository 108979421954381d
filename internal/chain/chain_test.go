package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// recorder implements every hook and appends to a shared event list.
type recorder struct {
	name   string
	events *[]string
	gotErr error
}

func (r *recorder) OnRequest(_ context.Context, _ *Env)  { *r.events = append(*r.events, r.name+":request") }
func (r *recorder) OnComplete(_ context.Context, _ *Env) { *r.events = append(*r.events, r.name+":complete") }
func (r *recorder) OnError(_ context.Context, _ *Env, err error) {
	r.gotErr = err
	*r.events = append(*r.events, r.name+":error")
}

// requestOnly implements only RequestHook.
type requestOnly struct{ called bool }

func (r *requestOnly) OnRequest(context.Context, *Env) { r.called = true }

type closingHandler struct {
	closed int
	err    error
}

func (c *closingHandler) Process(_ context.Context, env *Env) (*Env, error) { return env, nil }
func (c *closingHandler) Close() error {
	c.closed++
	return c.err
}

func terminal(events *[]string, err error) Handler {
	return HandlerFunc(func(_ context.Context, env *Env) (*Env, error) {
		*events = append(*events, "terminal")
		if err != nil {
			return nil, err
		}
		env.Status = 200
		return env, nil
	})
}

func newEnv(t *testing.T) *Env {
	t.Helper()
	env, err := NewEnv("GET", "http://example.test/path")
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return env
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestProcess_SuccessRunsRequestThenComplete(t *testing.T) {
	var events []string
	rec := &recorder{name: "a", events: &events}

	l, err := New(registry.New(), nil, terminal(&events, nil), rec, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := l.Process(context.Background(), newEnv(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}
	assertEvents(t, events, []string{"a:request", "terminal", "a:complete"})
}

func TestProcess_ErrorRunsErrorHookAndReturnsIdenticalError(t *testing.T) {
	var events []string
	rec := &recorder{name: "a", events: &events}
	downstreamErr := errors.New("connection reset")

	l, err := New(registry.New(), nil, terminal(&events, downstreamErr), rec, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, got := l.Process(context.Background(), newEnv(t))
	if got != downstreamErr {
		t.Fatalf("err = %v (%T), want identical downstream error", got, got)
	}
	if rec.gotErr != downstreamErr {
		t.Fatalf("hook err = %v, want downstream error", rec.gotErr)
	}
	assertEvents(t, events, []string{"a:request", "terminal", "a:error"})
}

func TestProcess_NestedOrdering(t *testing.T) {
	var events []string
	outer := &recorder{name: "outer", events: &events}
	inner := &recorder{name: "inner", events: &events}
	reg := registry.New()

	h, err := Build(terminal(&events, nil),
		Use(reg, nil, outer, nil),
		Use(reg, nil, inner, nil),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := h.Process(context.Background(), newEnv(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	assertEvents(t, events, []string{
		"outer:request", "inner:request", "terminal", "inner:complete", "outer:complete",
	})
}

func TestProcess_NestedErrorPropagatesThroughEveryLayer(t *testing.T) {
	var events []string
	outer := &recorder{name: "outer", events: &events}
	inner := &recorder{name: "inner", events: &events}
	downstreamErr := errors.New("timeout")
	reg := registry.New()

	h, err := Build(terminal(&events, downstreamErr), Use(reg, nil, outer, nil), Use(reg, nil, inner, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := h.Process(context.Background(), newEnv(t)); err != downstreamErr {
		t.Fatalf("err = %v, want identical downstream error", err)
	}
	if outer.gotErr != downstreamErr || inner.gotErr != downstreamErr {
		t.Fatal("each layer's error hook must see the identical error")
	}
	assertEvents(t, events, []string{
		"outer:request", "inner:request", "terminal", "inner:error", "outer:error",
	})
}

func TestProcess_PartialHooks(t *testing.T) {
	ro := &requestOnly{}
	var events []string
	l, err := New(registry.New(), nil, terminal(&events, errors.New("x")), ro, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Process(context.Background(), newEnv(t)); err == nil {
		t.Fatal("expected error")
	}
	if !ro.called {
		t.Fatal("request hook not called")
	}
}

func TestProcess_NilBehaviorPassesThrough(t *testing.T) {
	var events []string
	l, err := New(registry.New(), nil, terminal(&events, nil), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Process(context.Background(), newEnv(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	assertEvents(t, events, []string{"terminal"})
}

func TestProcess_HookMutationVisibleDownstream(t *testing.T) {
	hook := hookFuncs{request: func(_ context.Context, env *Env) {
		env.Header.Set("X-Test", "1")
		env.Set("start", 42)
	}}
	var seenHeader string
	var seenMeta any
	next := HandlerFunc(func(_ context.Context, env *Env) (*Env, error) {
		seenHeader = env.Header.Get("X-Test")
		seenMeta, _ = env.Get("start")
		return env, nil
	})

	l, err := New(registry.New(), nil, next, hook, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Process(context.Background(), newEnv(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if seenHeader != "1" || seenMeta != 42 {
		t.Fatalf("downstream saw header=%q meta=%v", seenHeader, seenMeta)
	}
}

func TestProcess_NilResponseFallsBackToEnv(t *testing.T) {
	var completed *Env
	hook := hookFuncs{complete: func(_ context.Context, env *Env) { completed = env }}
	next := HandlerFunc(func(context.Context, *Env) (*Env, error) { return nil, nil })

	l, _ := New(registry.New(), nil, next, hook, nil)
	env := newEnv(t)
	resp, err := l.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp != env || completed != env {
		t.Fatal("nil downstream response must fall back to the request env")
	}
}

func TestProcess_ConcurrentCalls(t *testing.T) {
	hook := hookFuncs{
		request:  func(_ context.Context, env *Env) { env.Set("seen", env.URL.Path) },
		complete: func(_ context.Context, env *Env) {},
	}
	next := HandlerFunc(func(_ context.Context, env *Env) (*Env, error) {
		v, _ := env.Get("seen")
		if v != env.URL.Path {
			return nil, errors.New("metadata leaked between invocations")
		}
		return env, nil
	})
	l, _ := New(registry.New(), nil, next, hook, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, _ := NewEnv("GET", "http://example.test/"+string(rune('a'+i%26)))
			if _, err := l.Process(context.Background(), env); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestNew_NilDownstream(t *testing.T) {
	if _, err := New(registry.New(), nil, nil, nil, nil); !errors.Is(err, ErrNilDownstream) {
		t.Fatalf("err = %v, want ErrNilDownstream", err)
	}
}

func TestNew_InstanceOptionsOverrideTypeDefaults(t *testing.T) {
	reg := registry.New()
	typ := reg.MustDeclare("retry", nil, registry.Schema{
		Keys:     []string{"max", "interval"},
		Defaults: registry.Options{"max": 2, "interval": "1s"},
	})

	l, err := New(reg, typ, &closingHandler{}, nil, registry.Options{"max": 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	opts := l.Options()
	if opts["max"] != 5 || opts["interval"] != "1s" {
		t.Fatalf("options = %v, want max=5 interval=1s", opts)
	}
}

func TestNew_InstanceOptionOnEmptyDefaults(t *testing.T) {
	reg := registry.New()
	typ := reg.MustDeclare("plain", nil, registry.Schema{})

	l, err := New(reg, typ, &closingHandler{}, nil, registry.Options{"field": "value"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v, _ := l.Option("field"); v != "value" {
		t.Fatalf("options[field] = %v, want value", v)
	}
}

func TestNew_OptionsAreSnapshots(t *testing.T) {
	reg := registry.New()
	typ := reg.MustDeclare("t", nil, registry.Schema{
		Keys:     []string{"k"},
		Defaults: registry.Options{"k": "type"},
	})

	a, _ := New(reg, typ, &closingHandler{}, nil, nil)
	b, _ := New(reg, typ, &closingHandler{}, nil, registry.Options{"k": "b"})

	// mutating a returned copy touches nothing
	a.Options()["k"] = "mutated"
	if v, _ := a.Option("k"); v != "type" {
		t.Fatalf("a.k = %v, want type", v)
	}
	if v, _ := b.Option("k"); v != "b" {
		t.Fatalf("b.k = %v, want b", v)
	}
	if got := reg.EffectiveDefaults(typ)["k"]; got != "type" {
		t.Fatalf("type default = %v, want type", got)
	}

	// later type overrides do not reach existing instances
	if err := reg.SetDefaults(typ, registry.Options{"k": "new"}); err != nil {
		t.Fatalf("SetDefaults: %v", err)
	}
	if v, _ := a.Option("k"); v != "type" {
		t.Fatalf("a.k after SetDefaults = %v, want type", v)
	}
	c, _ := New(reg, typ, &closingHandler{}, nil, nil)
	if v, _ := c.Option("k"); v != "new" {
		t.Fatalf("new instance k = %v, want new", v)
	}
}

func TestClose_ForwardsToDownstream(t *testing.T) {
	down := &closingHandler{}
	capture := log.NewCapture()
	l, _ := New(registry.New(), nil, down, nil, nil, WithLogger(capture))

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if down.closed != 1 {
		t.Fatalf("closed = %d, want 1", down.closed)
	}
	if n := len(capture.Entries()); n != 0 {
		t.Fatalf("diagnostics = %d, want 0", n)
	}
}

func TestClose_ReturnsDownstreamError(t *testing.T) {
	closeErr := errors.New("close failed")
	l, _ := New(registry.New(), nil, &closingHandler{err: closeErr}, nil, nil)

	if err := l.Close(); err != closeErr {
		t.Fatalf("err = %v, want close error", err)
	}
}

func TestClose_MissingCapabilityWarnsOnce(t *testing.T) {
	capture := log.NewCapture()
	var events []string
	reg := registry.New()
	typ := reg.MustDeclare("logging", nil, registry.Schema{})
	l, _ := New(reg, typ, terminal(&events, nil), nil, nil, WithLogger(capture))

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries := capture.Entries()
	if len(entries) != 1 {
		t.Fatalf("diagnostics = %d, want exactly 1", len(entries))
	}
	e := entries[0]
	if e.Level != slog.LevelWarn {
		t.Fatalf("level = %v, want warn", e.Level)
	}
	if e.KV["handler"] != "chain.HandlerFunc" {
		t.Fatalf("handler = %v, want chain.HandlerFunc", e.KV["handler"])
	}
	if e.KV["middleware"] != "logging" {
		t.Fatalf("middleware = %v, want logging", e.KV["middleware"])
	}
}

func TestClose_RecursesThroughChain(t *testing.T) {
	down := &closingHandler{}
	reg := registry.New()
	h, err := Build(down, Use(reg, nil, nil, nil), Use(reg, nil, nil, nil), Use(reg, nil, nil, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.(Closer).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if down.closed != 1 {
		t.Fatalf("terminal closed = %d, want 1", down.closed)
	}
}

func TestBuild_Errors(t *testing.T) {
	if _, err := Build(nil); !errors.Is(err, ErrNilDownstream) {
		t.Fatalf("err = %v, want ErrNilDownstream", err)
	}

	boom := errors.New("boom")
	failing := func(Handler) (Handler, error) { return nil, boom }
	if _, err := Build(&closingHandler{}, nil, failing); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

// hookFuncs adapts closures into hooks for tests.
type hookFuncs struct {
	request  func(context.Context, *Env)
	complete func(context.Context, *Env)
}

func (h hookFuncs) OnRequest(ctx context.Context, env *Env) {
	if h.request != nil {
		h.request(ctx, env)
	}
}

func (h hookFuncs) OnComplete(ctx context.Context, env *Env) {
	if h.complete != nil {
		h.complete(ctx, env)
	}
}
