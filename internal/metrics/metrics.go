package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-relay/internal/version"
)

type RelayMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight      prometheus.Gauge
	reqTotal      *prometheus.CounterVec
	reqDur        *prometheus.HistogramVec
	respBytes     *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec
	rateLimitWait prometheus.Histogram
	retriesTotal  *prometheus.CounterVec
	overrides     *prometheus.CounterVec
	lastSuccessTs prometheus.Gauge

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the standard collectors and the relay
// instruments. Labels are bounded: method, route (configured per metrics
// link, never the raw URL), status and middleware type names.
func New() *RelayMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &RelayMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of requests inside a metrics link",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Completed upstream requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Upstream request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_response_size_bytes",
			Help:    "Upstream response body size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Upstream requests that failed downstream of a metrics link",
		}, []string{"method", "route"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_rate_limited_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Retried upstream requests by method and reason",
		}, []string{"method", "reason"}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_defaults_overrides_total",
			Help: "Default option overrides applied to middleware types by result",
		}, []string{"type", "result"}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last request that completed through the whole chain",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.rateLimitWait,
		m.retriesTotal,
		m.overrides,
		m.lastSuccessTs,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *RelayMetrics) Handler() http.Handler { return m.handler }

func (m *RelayMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *RelayMetrics) IncInflight() { m.inflight.Inc() }
func (m *RelayMetrics) DecInflight() { m.inflight.Dec() }

// ObserveRequest records one completed request. A sampled span in ctx is
// attached to the latency observation as an exemplar.
func (m *RelayMetrics) ObserveRequest(ctx context.Context, method, route string, status int, d time.Duration, respBytes int) {
	m.reqTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()

	lat := d.Seconds()
	obs := m.reqDur.WithLabelValues(method, route)
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(lat, ex)
		} else {
			obs.Observe(lat)
		}
	} else {
		obs.Observe(lat)
	}

	m.respBytes.WithLabelValues(method, route).Observe(float64(respBytes))
}

func (m *RelayMetrics) IncRequestError(method, route string) {
	m.errorsTotal.WithLabelValues(method, route).Inc()
}

func (m *RelayMetrics) ObserveRateLimitWait(d time.Duration) {
	m.rateLimitWait.Observe(d.Seconds())
}

func (m *RelayMetrics) IncRetry(method, reason string) {
	m.retriesTotal.WithLabelValues(method, reason).Inc()
}

// IncDefaultsOverride counts an override document entry; result is
// "applied" or "rejected".
func (m *RelayMetrics) IncDefaultsOverride(typeName, result string) {
	m.overrides.WithLabelValues(typeName, result).Inc()
}

func (m *RelayMetrics) SetLastSuccess(t time.Time) {
	m.lastSuccessTs.Set(float64(t.Unix()))
}

// set once at startup.
func (m *RelayMetrics) SetBuildInfoFromVersion(vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *RelayMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
