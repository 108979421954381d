// Package mw provides the relay's built-in middleware types.
//
// Each type is declared in a registry (Builtin uses registry.Default) under
// the common root "base". metrics and tracing derive from instrumentation
// and inherit its metadata_key option. A Kit turns a type plus instance
// overrides into a chain.Factory; instance overrides naming keys the type
// does not allow are rejected when the chain is built.
//
// Hook-only types (request_id, headers, logging, instrumentation, metrics)
// are plain chain links. tracing, rate_limit, retry and raise_error need
// control over dispatch and wrap their link's Process.
package mw
