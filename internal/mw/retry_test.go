package mw

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// scripted answers successive calls with the given statuses (or errors).
type scripted struct {
	results  []any
	calls    int
	attempts []int
	bodies   []string
}

func (s *scripted) Process(_ context.Context, env *chain.Env) (*chain.Env, error) {
	i := s.calls
	s.calls++
	if v, ok := env.Get(RetryAttemptKey); ok {
		s.attempts = append(s.attempts, v.(int))
	}
	s.bodies = append(s.bodies, string(env.Body))
	env.Body = append(env.Body, '!')
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	switch r := s.results[i].(type) {
	case error:
		return nil, r
	case int:
		env.Status = r
		return env, nil
	case *chain.Env:
		return r, nil
	}
	return env, nil
}

func recordSleeps(k *Kit) *[]time.Duration {
	var got []time.Duration
	k.sleep = func(_ context.Context, d time.Duration) error {
		got = append(got, d)
		return nil
	}
	return &got
}

func TestRetry_RetriesStatusThenSucceeds(t *testing.T) {
	m := metrics.New()
	k := newTestKit(t, WithMetrics(m))
	sleeps := recordSleeps(k)
	term := &scripted{results: []any{503, 503, 200}}
	h := build(t, term, k.Retry(nil))

	env := newEnv(t, "GET")
	env.Body = []byte("payload")
	resp, err := h.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp != env || env.Status != 200 {
		t.Fatalf("resp = %p status %d, want caller env with 200", resp, env.Status)
	}
	if term.calls != 3 {
		t.Fatalf("calls = %d, want 3", term.calls)
	}
	if got := term.attempts; len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("attempts = %v", got)
	}
	for i, b := range term.bodies {
		if b != "payload" {
			t.Fatalf("attempt %d saw body %q, want untouched clone", i, b)
		}
	}
	if string(env.Body) != "payload" {
		t.Fatalf("caller body mutated: %q", env.Body)
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	if !strings.Contains(scrape(t, m), `relay_retries_total{method="GET",reason="status"} 2`) {
		t.Fatal("retries not counted")
	}
}

func TestRetry_ExhaustedReturnsLastResult(t *testing.T) {
	k := newTestKit(t)
	recordSleeps(k)
	term := &scripted{results: []any{503}}
	h := build(t, term, k.Retry(registry.Options{"max": 3}))

	resp, err := h.Process(context.Background(), newEnv(t, "GET"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if term.calls != 4 || resp.Status != 503 {
		t.Fatalf("calls = %d status = %d", term.calls, resp.Status)
	}
}

func TestRetry_ErrorIdentityPreserved(t *testing.T) {
	k := newTestKit(t)
	recordSleeps(k)
	boom := errors.New("connection reset")
	term := &scripted{results: []any{boom}}
	h := build(t, term, k.Retry(registry.Options{"max": 1}))

	_, err := h.Process(context.Background(), newEnv(t, "GET"))
	if err != boom {
		t.Fatalf("err = %v, want identical boom", err)
	}
	if term.calls != 2 {
		t.Fatalf("calls = %d, want 2", term.calls)
	}
}

func TestRetry_NonIdempotentMethodNotRetried(t *testing.T) {
	k := newTestKit(t)
	term := &scripted{results: []any{503}}
	h := build(t, term, k.Retry(nil))

	if _, err := h.Process(context.Background(), newEnv(t, http.MethodPost)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if term.calls != 1 {
		t.Fatalf("calls = %d, want 1", term.calls)
	}
}

func TestRetry_MethodsOptionFromYAMLShape(t *testing.T) {
	k := newTestKit(t)
	recordSleeps(k)
	term := &scripted{results: []any{503, 200}}
	h := build(t, term, k.Retry(registry.Options{"methods": []any{"post"}, "statuses": []any{503.0}}))

	if _, err := h.Process(context.Background(), newEnv(t, http.MethodPost)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if term.calls != 2 {
		t.Fatalf("calls = %d, want 2", term.calls)
	}
}

func TestRetry_StatusErrorFromInnerLink(t *testing.T) {
	k := newTestKit(t)
	recordSleeps(k)

	retryable := &scripted{results: []any{503, 200}}
	h := build(t, retryable, k.Retry(nil), k.RaiseError(nil))
	if _, err := h.Process(context.Background(), newEnv(t, "GET")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if retryable.calls != 2 {
		t.Fatalf("calls = %d, want 2", retryable.calls)
	}

	notFound := &scripted{results: []any{404}}
	h = build(t, notFound, k.Retry(nil), k.RaiseError(nil))
	var se *StatusError
	if _, err := h.Process(context.Background(), newEnv(t, "GET")); !errors.As(err, &se) || se.Status != 404 {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
	if notFound.calls != 1 {
		t.Fatalf("calls = %d, want 1", notFound.calls)
	}
}

func TestRetry_ContextCanceledNotRetried(t *testing.T) {
	k := newTestKit(t)
	term := &scripted{results: []any{context.Canceled}}
	h := build(t, term, k.Retry(nil))
	if _, err := h.Process(context.Background(), newEnv(t, "GET")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if term.calls != 1 {
		t.Fatalf("calls = %d, want 1", term.calls)
	}
}

func TestRetry_SleepInterruptedReturnsLastResult(t *testing.T) {
	k := newTestKit(t)
	k.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	boom := errors.New("boom")
	term := &scripted{results: []any{boom}}
	h := build(t, term, k.Retry(nil))

	if _, err := h.Process(context.Background(), newEnv(t, "GET")); err != boom {
		t.Fatalf("err = %v, want boom", err)
	}
	if term.calls != 1 {
		t.Fatalf("calls = %d, want 1", term.calls)
	}
}

func TestRetry_RetryAfterAndCap(t *testing.T) {
	k := newTestKit(t)
	sleeps := recordSleeps(k)
	limited := &chain.Env{Status: 429, ResponseHeader: http.Header{"Retry-After": {"2"}}}
	term := &scripted{results: []any{limited, limited, 200}}
	h := build(t, term, k.Retry(registry.Options{"max_interval": "1500ms", "statuses": []int{429}}))

	if _, err := h.Process(context.Background(), newEnv(t, "GET")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for i, d := range *sleeps {
		if d != 1500*time.Millisecond {
			t.Fatalf("sleep[%d] = %v, want capped 1.5s", i, d)
		}
	}
}

func TestRetry_ZeroMaxPassesThrough(t *testing.T) {
	k := newTestKit(t)
	term := &scripted{results: []any{503}}
	h := build(t, term, k.Retry(registry.Options{"max": 0}))
	if _, err := h.Process(context.Background(), newEnv(t, "GET")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if term.calls != 1 || len(term.attempts) != 0 {
		t.Fatalf("calls = %d attempts = %v", term.calls, term.attempts)
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
}
