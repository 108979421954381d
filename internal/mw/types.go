package mw

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Type names of the built-in middleware.
const (
	TypeBase            = "base"
	TypeRequestID       = "request_id"
	TypeHeaders         = "headers"
	TypeLogging         = "logging"
	TypeInstrumentation = "instrumentation"
	TypeMetrics         = "metrics"
	TypeTracing         = "tracing"
	TypeRateLimit       = "rate_limit"
	TypeRetry           = "retry"
	TypeRaiseError      = "raise_error"
)

// Types holds the built-in middleware types declared in one registry.
type Types struct {
	reg *registry.Registry

	Base            *registry.Type
	RequestID       *registry.Type
	Headers         *registry.Type
	Logging         *registry.Type
	Instrumentation *registry.Type
	Metrics         *registry.Type
	Tracing         *registry.Type
	RateLimit       *registry.Type
	Retry           *registry.Type
	RaiseError      *registry.Type
}

// Builtin is the set declared in registry.Default.
var Builtin = mustDeclare(registry.Default)

// Registry returns the registry the types were declared in.
func (ts *Types) Registry() *registry.Registry { return ts.reg }

// Declare declares every built-in type in reg. A registry can hold the set
// once; a second call fails with registry.ErrDuplicateType.
func Declare(reg *registry.Registry) (*Types, error) {
	if reg == nil {
		reg = registry.Default
	}
	ts := &Types{reg: reg}

	decls := []struct {
		dst    **registry.Type
		name   string
		parent func() *registry.Type
		schema registry.Schema
	}{
		{&ts.Base, TypeBase, nil, registry.Schema{}},
		{&ts.RequestID, TypeRequestID, base(ts), registry.Schema{
			Keys: []string{"header"},
			Defaults: registry.Options{
				"header": "X-Request-Id",
			},
		}},
		{&ts.Headers, TypeHeaders, base(ts), registry.Schema{
			Keys: []string{"user_agent", "headers"},
			Defaults: registry.Options{
				"user_agent": "",
				"headers":    map[string]string{},
			},
		}},
		{&ts.Logging, TypeLogging, base(ts), registry.Schema{
			Keys: []string{"level", "log_headers", "log_bodies", "max_body"},
			Defaults: registry.Options{
				"level":       "info",
				"log_headers": false,
				"log_bodies":  false,
				"max_body":    1024,
			},
		}},
		{&ts.Instrumentation, TypeInstrumentation, base(ts), registry.Schema{
			Keys: []string{"metadata_key"},
			Defaults: registry.Options{
				"metadata_key": "instrumentation",
			},
		}},
		{&ts.Metrics, TypeMetrics, func() *registry.Type { return ts.Instrumentation }, registry.Schema{
			Keys: []string{"route"},
			Defaults: registry.Options{
				"metadata_key": "metrics",
				"route":        "default",
			},
		}},
		{&ts.Tracing, TypeTracing, func() *registry.Type { return ts.Instrumentation }, registry.Schema{
			Keys: []string{"span_name", "propagate"},
			Defaults: registry.Options{
				"metadata_key": "tracing",
				"span_name":    "relay.request",
				"propagate":    true,
			},
		}},
		{&ts.RateLimit, TypeRateLimit, base(ts), registry.Schema{
			Keys: []string{"rps", "burst"},
			Defaults: registry.Options{
				"rps":   10.0,
				"burst": 1,
			},
		}},
		{&ts.Retry, TypeRetry, base(ts), registry.Schema{
			Keys: []string{"max", "interval", "backoff_factor", "max_interval", "statuses", "methods"},
			Defaults: registry.Options{
				"max":            2,
				"interval":       "200ms",
				"backoff_factor": 2.0,
				"max_interval":   "5s",
				"statuses":       []int{429, 502, 503, 504},
				"methods": []string{
					http.MethodGet, http.MethodHead, http.MethodOptions,
					http.MethodPut, http.MethodDelete,
				},
			},
		}},
		{&ts.RaiseError, TypeRaiseError, base(ts), registry.Schema{
			Keys: []string{"min_status", "max_body"},
			Defaults: registry.Options{
				"min_status": 400,
				"max_body":   512,
			},
		}},
	}

	for _, d := range decls {
		var parent *registry.Type
		if d.parent != nil {
			parent = d.parent()
		}
		t, err := reg.Declare(d.name, parent, d.schema)
		if err != nil {
			return nil, xerrors.Wrapf(err, "declare %s", d.name)
		}
		*d.dst = t
	}
	return ts, nil
}

func base(ts *Types) func() *registry.Type {
	return func() *registry.Type { return ts.Base }
}

func mustDeclare(reg *registry.Registry) *Types {
	ts, err := Declare(reg)
	if err != nil {
		panic(err)
	}
	return ts
}
