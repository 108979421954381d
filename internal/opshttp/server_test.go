package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/health"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/version"
)

// test helpers

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func serveOps(t *testing.T, opts *Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(log.Nop(), opts))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// Start - lifecycle

func TestStart_ServeAndGracefulShutdown(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop, err := Start(ctx, log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/-/ping", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d", resp.StatusCode)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop1, err := Start(ctx, log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	if _, err := Start(ctx, log.Nop(), &Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

// Health endpoints

func TestHealthAndReadiness(t *testing.T) {
	var gate health.ShutdownGate
	fresh := health.NewFreshness("upstream")
	srv := serveOps(t, &Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.All(gate.Probe(), fresh.Probe(0)),
	})

	if code, body := get(t, srv, "/-/healthy"); code != http.StatusOK || !strings.Contains(body, "ok") {
		t.Fatalf("healthy = %d %q", code, body)
	}
	if code, body := get(t, srv, "/-/ready"); code != http.StatusServiceUnavailable || !strings.Contains(body, "no successful request yet") {
		t.Fatalf("ready before success = %d %q", code, body)
	}

	fresh.MarkSuccess(time.Now())
	if code, _ := get(t, srv, "/-/ready"); code != http.StatusOK {
		t.Fatalf("ready after success = %d", code)
	}

	gate.Set("draining")
	if code, body := get(t, srv, "/-/ready"); code != http.StatusServiceUnavailable || !strings.Contains(body, "draining") {
		t.Fatalf("ready while draining = %d %q", code, body)
	}
}

// Defaults and version

func TestDefaultsEndpoint(t *testing.T) {
	reg := registry.New()
	base := reg.MustDeclare("base", nil, registry.Schema{})
	retry := reg.MustDeclare("retry", base, registry.Schema{
		Keys:     []string{"max"},
		Defaults: registry.Options{"max": 2},
	})
	if err := reg.SetDefaults(retry, registry.Options{"max": 5}); err != nil {
		t.Fatalf("SetDefaults: %v", err)
	}

	srv := serveOps(t, &Options{Defaults: reg})
	code, body := get(t, srv, "/-/defaults")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	var got []typeDefaults
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if len(got) != 2 || got[0].Type != "base" || got[1].Type != "retry" {
		t.Fatalf("types = %+v", got)
	}
	if got[1].Defaults["max"] != float64(5) {
		t.Fatalf("retry max = %v, want 5", got[1].Defaults["max"])
	}
}

func TestDefaultsEndpoint_NotRegistered(t *testing.T) {
	srv := serveOps(t, &Options{})
	if code, _ := get(t, srv, "/-/defaults"); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := serveOps(t, &Options{Version: &version.Info{AppName: "linnemanlabs-relay", Version: "1.0.0"}})
	code, body := get(t, srv, "/-/version")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body, `"app": "linnemanlabs-relay"`) {
		t.Fatalf("body = %q", body)
	}
}

// Metrics endpoint

func TestMetricsEndpoint(t *testing.T) {
	srv := serveOps(t, &Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# HELP fake_metric\n"))
		}),
	})
	if code, body := get(t, srv, "/metrics"); code != http.StatusOK || !strings.Contains(body, "fake_metric") {
		t.Fatalf("metrics = %d %q", code, body)
	}
}

func TestMetricsEndpoint_NilHandler(t *testing.T) {
	srv := serveOps(t, &Options{})
	if code, _ := get(t, srv, "/metrics"); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

// Pprof endpoints

func TestPprof(t *testing.T) {
	on := serveOps(t, &Options{EnablePprof: true})
	if code, _ := get(t, on, "/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("enabled: status = %d, want 200", code)
	}
	off := serveOps(t, &Options{EnablePprof: false})
	if code, _ := get(t, off, "/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("disabled: status = %d, want 404", code)
	}
}

// recoverMW

func TestRecoverMW(t *testing.T) {
	lc := log.NewCapture()
	panics := 0
	h := recoverMW(lc, func() { panics++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/-/defaults", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics)
	}
	entries := lc.Entries()
	if len(entries) != 1 || entries[0].Err == nil || entries[0].Err.Error() != "boom" {
		t.Fatalf("entries = %+v", entries)
	}
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	tests := []struct {
		remote    string
		forwarded string
		want      int
	}{
		{"127.0.0.1:12345", "", http.StatusOK},
		{"[::1]:12345", "", http.StatusOK},
		{"10.0.0.1:8080", "", http.StatusOK},
		{"172.16.0.1:8080", "", http.StatusOK},
		{"192.168.1.1:8080", "", http.StatusOK},
		{"169.254.1.1:8080", "", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", "", http.StatusOK},
		{"8.8.8.8:12345", "", http.StatusForbidden},
		{"203.0.113.1:80", "", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", "", http.StatusForbidden},
		{"999.999.999.999:8080", "", http.StatusForbidden},
		{"not-an-address", "", http.StatusForbidden},
		{"", "", http.StatusForbidden},
		{"10.0.0.1:8080", "8.8.8.8", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote+"|"+tt.forwarded, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/-/ready", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
