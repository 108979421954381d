// Package registry stores default options for middleware types.
//
// Each middleware type is declared once with an option schema (the keys it
// understands) and its own base defaults. A type may have a parent; its
// effective defaults are the parent's effective defaults with its own layer
// merged on top, so derived types inherit and selectively replace values.
//
// Effective defaults are computed lazily and cached per type. SetDefaults and
// ResetDefaults replace a single type's layer and bump a registry generation
// counter, which makes every cached snapshot older than the write recompute
// on its next read. Layers and snapshots are swapped atomically, so a reader
// racing an override sees either the old mapping or the new one.
//
// Mutation is an administrative operation. Call SetDefaults at startup (the
// relay applies override documents before building its chain), not on the
// request path.
package registry
