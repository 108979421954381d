// Package chain defines the link contract of the relay's client pipeline.
//
// A Link wraps a downstream Handler. Process runs the link's optional
// request hook, forwards the Env, and on return runs either its complete
// hook or its error hook, never both. Errors from downstream are returned
// as the same value after the error hook has observed them.
//
// Chains are assembled with Build, first factory outermost:
//
//	kit := mw.NewKit(nil, mw.WithLogger(logger))
//	h, err := chain.Build(transport,
//	    kit.RequestID(nil),
//	    kit.Logging(nil),
//	    kit.Retry(registry.Options{"max": 3}),
//	)
//
// Close propagates one level at a time: each link closes its immediate
// downstream, so closing the outermost link reaches the transport as long
// as every handler in between can be closed.
package chain
