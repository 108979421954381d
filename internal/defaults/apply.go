package defaults

import (
	"context"
	"errors"

	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// Recorder counts applied and rejected type entries. *metrics.RelayMetrics
// satisfies it.
type Recorder interface {
	IncDefaultsOverride(typeName, result string)
}

// Apply merges each document entry into the matching type's defaults with
// SetDefaults. Entries are independent: a rejected entry does not stop the
// others. Names that are not declared in reg yield a
// *registry.ConfigurationError wrapping registry.ErrUnknownType. All
// failures are joined into the returned error.
func Apply(reg *registry.Registry, doc Document, rec Recorder) error {
	var errs []error
	for _, name := range doc.Names() {
		t, ok := reg.Lookup(name)
		if !ok {
			errs = append(errs, &registry.ConfigurationError{Type: name, Err: registry.ErrUnknownType})
			record(rec, name, "rejected")
			continue
		}
		if err := reg.SetDefaults(t, doc[name]); err != nil {
			errs = append(errs, err)
			record(rec, name, "rejected")
			continue
		}
		record(rec, name, "applied")
	}
	return errors.Join(errs...)
}

// Sync makes reg reflect doc exactly: every declared type gets its base
// defaults with the document's entry, if any, on top. The whole document
// is validated first; when any entry is invalid nothing is changed.
func Sync(reg *registry.Registry, doc Document, rec Recorder) error {
	var errs []error
	for _, name := range doc.Names() {
		t, ok := reg.Lookup(name)
		if !ok {
			errs = append(errs, &registry.ConfigurationError{Type: name, Err: registry.ErrUnknownType})
			continue
		}
		if err := reg.Validate(t, doc[name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		for _, name := range doc.Names() {
			record(rec, name, "rejected")
		}
		return errors.Join(errs...)
	}

	for _, t := range reg.Types() {
		if err := reg.ReplaceDefaults(t, doc[t.Name()]); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := doc[t.Name()]; ok {
			record(rec, t.Name(), "applied")
		}
	}
	return errors.Join(errs...)
}

// LoadAndApply fetches, decodes and applies a document once, logging what
// it changed.
func LoadAndApply(ctx context.Context, L log.Logger, reg *registry.Registry, src Source, envPrefix string, rec Recorder) error {
	data, err := src.Fetch(ctx)
	if err != nil {
		return err
	}
	doc, err := Decode(data, envPrefix)
	if err != nil {
		return err
	}
	if err := Apply(reg, doc, rec); err != nil {
		return err
	}
	L.Info(ctx, "middleware defaults applied",
		"source", src.String(),
		"types", doc.Names(),
	)
	return nil
}

func record(rec Recorder, name, result string) {
	if rec != nil {
		rec.IncDefaultsOverride(name, result)
	}
}
