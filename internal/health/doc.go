// Package health provides composable health check probes and HTTP handlers
// for the relay's liveness and readiness endpoints.
//
// Probes can be combined with [All] (AND) and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe].
//
// [ShutdownGate] fails readiness as soon as shutdown starts. [Freshness]
// fails readiness until the relay chain has completed a request and again
// when the last completion is older than its window.
package health
