package opshttp

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

type typeDefaults struct {
	Type     string           `json:"type"`
	Defaults registry.Options `json:"defaults"`
}

// defaultsHandler renders the effective defaults of every declared
// middleware type, sorted by type name.
func defaultsHandler(src DefaultsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := src.Snapshot()
		out := make([]typeDefaults, 0, len(snap))
		for name, opts := range snap {
			out = append(out, typeDefaults{Type: name, Defaults: opts})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
		writeJSON(w, out)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "encode: "+err.Error()+"\n", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}
