package chain

import (
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Factory wraps next in one more handler.
type Factory func(next Handler) (Handler, error)

// Build wraps terminal with factories so that the first factory is the
// outermost handler and the last one sits directly in front of terminal.
// nil factories are skipped.
func Build(terminal Handler, factories ...Factory) (Handler, error) {
	if terminal == nil {
		return nil, ErrNilDownstream
	}
	h := terminal
	for i := len(factories) - 1; i >= 0; i-- {
		if factories[i] == nil {
			continue
		}
		next, err := factories[i](h)
		if err != nil {
			return nil, xerrors.Wrapf(err, "build chain at position %d", i)
		}
		h = next
	}
	return h, nil
}

// Use returns a Factory producing plain Links of type t.
func Use(reg *registry.Registry, t *registry.Type, behavior any, overrides registry.Options, opts ...LinkOption) Factory {
	return func(next Handler) (Handler, error) {
		return New(reg, t, next, behavior, overrides, opts...)
	}
}
