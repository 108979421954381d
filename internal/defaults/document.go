// Package defaults loads middleware default overrides from a YAML document
// and applies them to a registry.
//
// The document shape is
//
//	middleware:
//	  retry:
//	    max: 3
//	    interval: 500ms
//	  request_id:
//	    header: X-Correlation-Id
//
// Documents come from a local file or an SSM parameter. With an env prefix
// set, variables such as RELAY_MW_RETRY__MAX=3 overlay the document; "__"
// separates the type name from the option key.
package defaults

import (
	"math"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

const rootKey = "middleware"

// Document maps middleware type names to the overrides for that type.
type Document map[string]registry.Options

// Names returns the type names in the document, sorted.
func (d Document) Names() []string {
	out := make([]string, 0, len(d))
	for name := range d {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Decode parses a YAML document. An empty envPrefix disables the
// environment overlay.
func Decode(data []byte, envPrefix string) (Document, error) {
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(bytesProvider(data), yaml.Parser()); err != nil {
			return nil, xerrors.Wrap(err, "parse defaults document")
		}
	}
	if envPrefix != "" {
		if err := k.Load(env.Provider(envPrefix, ".", envKey(envPrefix)), nil); err != nil {
			return nil, xerrors.Wrap(err, "load defaults from environment")
		}
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (Document, error) {
	doc := Document{}
	if !k.Exists(rootKey) {
		return doc, nil
	}
	for name, v := range k.Cut(rootKey).Raw() {
		switch opts := v.(type) {
		case map[string]any:
			doc[name] = registry.Options(normalize(opts).(map[string]any))
		case nil:
			doc[name] = registry.Options{}
		default:
			return nil, xerrors.Newf("defaults for %q must be a mapping, got %T", name, v)
		}
	}
	return doc, nil
}

// normalize turns the integer widths YAML decoders produce into int so
// option readers see one shape.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case int64:
		return int(t)
	case uint64:
		if t <= math.MaxInt {
			return int(t)
		}
		return t
	case uint:
		if t <= math.MaxInt {
			return int(t)
		}
		return t
	case int32:
		return int(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// envKey maps RELAY_MW_RATE_LIMIT__RPS to middleware.rate_limit.rps.
func envKey(prefix string) func(string) string {
	return func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, prefix))
		typ, key, ok := strings.Cut(s, "__")
		if !ok || typ == "" || key == "" {
			return ""
		}
		return rootKey + "." + typ + "." + key
	}
}

// bytesProvider feeds an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]any, error) {
	return nil, xerrors.New("bytes provider does not support Read")
}
