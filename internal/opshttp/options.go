package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-relay/internal/health"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/version"
)

// DefaultsSource is what /-/defaults renders: effective option defaults
// keyed by middleware type name. *registry.Registry implements it.
type DefaultsSource interface {
	Snapshot() map[string]registry.Options
}

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	Defaults     DefaultsSource
	Version      *version.Info
	UseRecoverMW bool
	OnPanic      func() // optional, e.g. to count recovered panics
}
