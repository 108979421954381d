package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Options maps option keys to values.
type Options map[string]any

// Clone returns a copy of o. Nested maps and slices of the common option
// shapes are copied too so the copy can be modified freely.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a new Options with every key of over applied on top of o.
func (o Options) Merge(over Options) Options {
	out := o.Clone()
	for k, v := range over {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Options:
		return t.Clone()
	case map[string]any:
		return map[string]any(Options(t).Clone())
	case map[string]string:
		cp := make(map[string]string, len(t))
		for k, s := range t {
			cp[k] = s
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Schema declares the option keys a type understands and its own defaults.
type Schema struct {
	Keys     []string
	Defaults Options
}

// Type is a declared middleware type.
type Type struct {
	reg     *Registry
	name    string
	parent  *Type
	allowed map[string]struct{}
	base    Options

	// layer is base merged with accepted overrides, swapped whole on write
	layer atomic.Pointer[Options]
	cache atomic.Pointer[snapshot]
}

type snapshot struct {
	gen  uint64
	opts Options
}

func (t *Type) Name() string  { return t.name }
func (t *Type) Parent() *Type { return t.parent }

// Allows reports whether key is in the type's schema, including keys
// declared by its ancestors.
func (t *Type) Allows(key string) bool {
	_, ok := t.allowed[key]
	return ok
}

// Keys returns the sorted option keys accepted by the type.
func (t *Type) Keys() []string {
	out := make([]string, 0, len(t.allowed))
	for k := range t.allowed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Base returns a copy of the defaults the type was declared with.
func (t *Type) Base() Options { return t.base.Clone() }

func (t *Type) String() string { return t.name }

// Registry holds middleware types keyed by name.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type

	// gen is bumped after every layer write; snapshots tagged with an older
	// generation are recomputed on read
	gen atomic.Uint64
}

// Default is the process-wide registry the built-in middleware types are
// declared in.
var Default = New()

func New() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Declare registers a new type. parent may be nil for a root type.
func (r *Registry) Declare(name string, parent *Type, schema Schema) (*Type, error) {
	if name == "" {
		return nil, &ConfigurationError{Type: "<unnamed>", Err: ErrInvalidDeclaration}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return nil, &ConfigurationError{Type: name, Err: ErrDuplicateType}
	}
	if parent != nil && (parent.reg != r || r.types[parent.name] != parent) {
		return nil, &ConfigurationError{Type: name, Keys: []string{parent.name}, Err: ErrUnknownType}
	}

	allowed := make(map[string]struct{}, len(schema.Keys))
	if parent != nil {
		for k := range parent.allowed {
			allowed[k] = struct{}{}
		}
	}
	for _, k := range schema.Keys {
		if k == "" {
			return nil, &ConfigurationError{Type: name, Keys: []string{`""`}, Err: ErrInvalidDeclaration}
		}
		allowed[k] = struct{}{}
	}

	if unknown := unknownKeys(allowed, schema.Defaults); len(unknown) > 0 {
		return nil, &ConfigurationError{Type: name, Keys: unknown, Err: ErrUnknownOption}
	}

	t := &Type{
		reg:     r,
		name:    name,
		parent:  parent,
		allowed: allowed,
		base:    schema.Defaults.Clone(),
	}
	layer := t.base.Clone()
	t.layer.Store(&layer)
	r.types[name] = t
	return t, nil
}

// MustDeclare is Declare for package initialization; it panics on error.
func (r *Registry) MustDeclare(name string, parent *Type, schema Schema) *Type {
	t, err := r.Declare(name, parent, schema)
	if err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
	return t
}

// Lookup returns the type declared under name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Types returns every declared type sorted by name.
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// EffectiveDefaults returns the inheritance-resolved defaults for t: the
// root type's layer first, each descendant's layer applied in order, t's
// own layer last. The result is a copy.
func (r *Registry) EffectiveDefaults(t *Type) Options {
	if t == nil {
		return Options{}
	}
	if t.reg != r {
		return t.reg.EffectiveDefaults(t)
	}
	return r.effective(t, r.gen.Load()).Clone()
}

// effective returns the cached (shared, not to be modified) snapshot for t,
// recomputing it when it predates gen.
func (r *Registry) effective(t *Type, gen uint64) Options {
	if s := t.cache.Load(); s != nil && s.gen == gen {
		return s.opts
	}

	var opts Options
	if t.parent != nil {
		opts = r.effective(t.parent, gen).Merge(*t.layer.Load())
	} else {
		opts = t.layer.Load().Clone()
	}

	t.cache.Store(&snapshot{gen: gen, opts: opts})
	return opts
}

// SetDefaults merges overrides into t's own layer. Every key must be in
// t's schema; if any is not, nothing is applied and a *ConfigurationError
// wrapping ErrUnknownOption is returned. Other types' layers, including
// t's ancestors, are never touched.
func (r *Registry) SetDefaults(t *Type, overrides Options) error {
	if err := r.owns(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if unknown := unknownKeys(t.allowed, overrides); len(unknown) > 0 {
		return &ConfigurationError{Type: t.name, Keys: unknown, Err: ErrUnknownOption}
	}
	if len(overrides) == 0 {
		return nil
	}

	next := t.layer.Load().Merge(overrides)
	t.layer.Store(&next)
	// layer first, then generation: a reader that sees the new generation
	// also sees the new layer
	r.gen.Add(1)
	return nil
}

// ReplaceDefaults sets t's layer to its base defaults with overrides on
// top, discarding earlier overrides, in one step. Keys are validated as in
// SetDefaults.
func (r *Registry) ReplaceDefaults(t *Type, overrides Options) error {
	if err := r.owns(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if unknown := unknownKeys(t.allowed, overrides); len(unknown) > 0 {
		return &ConfigurationError{Type: t.name, Keys: unknown, Err: ErrUnknownOption}
	}

	next := t.base.Merge(overrides)
	t.layer.Store(&next)
	r.gen.Add(1)
	return nil
}

// Validate reports whether overrides would be accepted for t without
// applying them.
func (r *Registry) Validate(t *Type, overrides Options) error {
	if err := r.owns(t); err != nil {
		return err
	}
	if unknown := unknownKeys(t.allowed, overrides); len(unknown) > 0 {
		return &ConfigurationError{Type: t.name, Keys: unknown, Err: ErrUnknownOption}
	}
	return nil
}

// ResetDefaults restores t's layer to its declared base defaults. Cached
// values of t and its descendants are recomputed on their next read.
func (r *Registry) ResetDefaults(t *Type) error {
	if err := r.owns(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := t.base.Clone()
	t.layer.Store(&base)
	r.gen.Add(1)
	return nil
}

// ResetAll resets every declared type.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.types {
		base := t.base.Clone()
		t.layer.Store(&base)
	}
	r.gen.Add(1)
}

// Snapshot returns the effective defaults of every declared type keyed by
// type name.
func (r *Registry) Snapshot() map[string]Options {
	types := r.Types()
	out := make(map[string]Options, len(types))
	for _, t := range types {
		out[t.name] = r.EffectiveDefaults(t)
	}
	return out
}

func (r *Registry) owns(t *Type) error {
	if t == nil {
		return &ConfigurationError{Type: "<nil>", Err: ErrUnknownType}
	}
	r.mu.RLock()
	ok := t.reg == r && r.types[t.name] == t
	r.mu.RUnlock()
	if !ok {
		return &ConfigurationError{Type: t.name, Err: ErrUnknownType}
	}
	return nil
}

func unknownKeys(allowed map[string]struct{}, opts Options) []string {
	var out []string
	for k := range opts {
		if _, ok := allowed[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
