package mw

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Option values arrive either from Go literals or from decoded YAML, so the
// readers below accept the numeric and string shapes both produce.

func optString(o registry.Options, key string) (string, error) {
	switch v := o[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", optErr(key, "string", v)
	}
}

func optBool(o registry.Options, key string) (bool, error) {
	switch v := o[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, optErr(key, "bool", v)
		}
		return b, nil
	default:
		return false, optErr(key, "bool", v)
	}
}

func optInt(o registry.Options, key string) (int, error) {
	switch v := o[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, optErr(key, "int", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, optErr(key, "int", v)
		}
		return n, nil
	default:
		return 0, optErr(key, "int", v)
	}
}

func optFloat(o registry.Options, key string) (float64, error) {
	switch v := o[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, optErr(key, "float", v)
		}
		return f, nil
	default:
		return 0, optErr(key, "float", v)
	}
}

// optDuration accepts a time.Duration, a duration string ("250ms") or a
// number of seconds.
func optDuration(o registry.Options, key string) (time.Duration, error) {
	switch v := o[key].(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, optErr(key, "duration", v)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, optErr(key, "duration", v)
	}
}

func optIntSet(o registry.Options, key string) (map[int]bool, error) {
	out := make(map[int]bool)
	switch v := o[key].(type) {
	case nil:
	case []int:
		for _, n := range v {
			out[n] = true
		}
	case []any:
		for i := range v {
			n, err := optInt(registry.Options{key: v[i]}, key)
			if err != nil {
				return nil, err
			}
			out[n] = true
		}
	default:
		return nil, optErr(key, "list of ints", v)
	}
	return out, nil
}

func optStringSet(o registry.Options, key string, fold func(string) string) (map[string]bool, error) {
	out := make(map[string]bool)
	add := func(s string) {
		if fold != nil {
			s = fold(s)
		}
		out[s] = true
	}
	switch v := o[key].(type) {
	case nil:
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, optErr(key, "list of strings", v)
			}
			add(s)
		}
	default:
		return nil, optErr(key, "list of strings", v)
	}
	return out, nil
}

func optStringMap(o registry.Options, key string) (map[string]string, error) {
	switch v := o[key].(type) {
	case nil:
		return map[string]string{}, nil
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, e := range v {
			out[k] = fmt.Sprint(e)
		}
		return out, nil
	case registry.Options:
		return optStringMap(registry.Options{key: map[string]any(v)}, key)
	default:
		return nil, optErr(key, "map of strings", v)
	}
}

func optErr(key, want string, got any) error {
	return xerrors.Newf("option %q: want %s, got %T (%v)", key, want, got, got)
}
