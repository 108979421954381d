package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/defaults"
	"github.com/keithlinneman/linnemanlabs-relay/internal/health"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-relay/internal/mw"
	"github.com/keithlinneman/linnemanlabs-relay/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-relay/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-relay/internal/prof"
	"github.com/keithlinneman/linnemanlabs-relay/internal/relay"
	"github.com/keithlinneman/linnemanlabs-relay/internal/transport"
	v "github.com/keithlinneman/linnemanlabs-relay/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	if err := cfg.LoadEnvFile(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Component:         "relay",
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"method", conf.Method,
		"route", conf.Route,
		"interval", conf.Interval.String(),
		"request_timeout", conf.RequestTimeout.String(),
		"defaults_file", conf.DefaultsFile,
		"defaults_ssm_param", conf.DefaultsSSMParam,
		"defaults_poll", conf.DefaultsPoll.String(),
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags(vi, "relay"),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	tel, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Stdout:     conf.TraceStdout,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Component:  "relay",
		Version:    vi.Version,
		Attributes: map[string]string{"relay.route": conf.Route},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without export")
		tel, _ = otelx.Init(ctx, otelx.Options{Enabled: false})
	}

	// Middleware defaults come from a file or an ssm parameter, applied once
	// or, with defaults-poll set, primed now and re-synced by a watcher.
	// Both happen before the chain is built, so its links start from them.
	types := mw.Builtin
	reg := types.Registry()
	var src defaults.Source
	switch {
	case conf.DefaultsFile != "":
		src = defaults.FileSource{Path: conf.DefaultsFile}
	case conf.DefaultsSSMParam != "":
		ssmSrc, err := defaults.NewSSMSource(ctx, conf.DefaultsSSMParam, nil)
		if err != nil {
			L.Error(ctx, err, "failed to create ssm defaults source")
			os.Exit(1)
		}
		src = ssmSrc
	}

	var live *relay.Live
	var watcher *defaults.Watcher
	if src != nil && conf.DefaultsPoll > 0 {
		watcher = defaults.NewWatcher(defaults.WatcherOptions{
			Logger:       L,
			Registry:     reg,
			Source:       src,
			EnvPrefix:    conf.DefaultsEnvPrefix,
			PollInterval: conf.DefaultsPoll,
			Recorder:     m,
			OnApply: func(doc defaults.Document) {
				// nil while priming, before the chain exists
				if live == nil {
					return
				}
				if err := live.Rebuild(); err != nil {
					L.Error(context.Background(), err, "middleware defaults reloaded but chain rebuild failed", "types", doc.Names())
					return
				}
				L.Info(context.Background(), "middleware defaults reloaded", "types", doc.Names())
			},
		})
		if err := watcher.Prime(ctx); err != nil {
			L.Error(ctx, err, "failed to apply middleware defaults", "source", src.String())
			os.Exit(1)
		}
	} else if src != nil {
		if err := defaults.LoadAndApply(ctx, L, reg, src, conf.DefaultsEnvPrefix, m); err != nil {
			L.Error(ctx, err, "failed to apply middleware defaults", "source", src.String())
			os.Exit(1)
		}
	}

	tr := transport.New(
		transport.WithTimeout(conf.RequestTimeout),
		transport.WithMaxBody(conf.MaxBody),
		transport.WithUserAgent(vi.UserAgent()),
		transport.WithLogger(L),
		transport.WithTracing(tel.TracerProvider, tel.Propagator),
	)

	kit := mw.NewKit(types,
		mw.WithLogger(L),
		mw.WithMetrics(m),
		mw.WithTracerProvider(tel.TracerProvider),
		mw.WithPropagator(tel.Propagator),
	)
	live, err = relay.NewLive(L, kit, tr, relay.NewOverrides(conf.Route, conf.RateLimitRPS, conf.RateLimitBurst, conf.RetryMax))
	if err != nil {
		L.Error(ctx, err, "failed to build middleware chain")
		os.Exit(1)
	}

	fresh := health.NewFreshness("upstream")
	runner := relay.NewRunner(relay.RunnerOptions{
		Logger:   L,
		Handler:  live,
		Method:   conf.Method,
		URL:      conf.TargetURL,
		Interval: conf.Interval,
		Timeout:  conf.RequestTimeout,
		OnSuccess: func(at time.Time, _ *chain.Env) {
			fresh.MarkSuccess(at)
			m.SetLastSuccess(at)
		},
	})

	var gate health.ShutdownGate
	// ready once a request made it through the chain, and not stale by
	// more than three missed intervals
	readiness := health.All(gate.Probe(), fresh.Probe(3*conf.Interval+conf.RequestTimeout))

	// admin listener; public peers and proxied requests are rejected in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Defaults:     reg,
		Version:      &vi,
		UseRecoverMW: true,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if watcher != nil {
		go func() { _ = watcher.Run(runCtx) }()
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = runner.Run(runCtx)
	}()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	cancelRun()
	<-runDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := live.Close(); err != nil {
		L.Error(context.Background(), err, "middleware chain close")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := tel.Shutdown(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
