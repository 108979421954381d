package chain

import (
	"net/http"
	"net/url"

	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Env carries one request through a chain and, once the terminal handler
// has run, its response. Hooks may mutate it in place.
type Env struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	Status         int
	ResponseHeader http.Header
	ResponseBody   []byte

	// Metadata passes state between hooks of the same invocation (start
	// times, spans, attempt counts). Keys are owned by the middleware that
	// writes them.
	Metadata map[string]any
}

// NewEnv parses rawURL and returns an Env with initialized maps.
func NewEnv(method, rawURL string) (*Env, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse request url %q", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Env{
		Method:   method,
		URL:      u,
		Header:   make(http.Header),
		Metadata: make(map[string]any),
	}, nil
}

// Set stores v under key in the metadata slot.
func (e *Env) Set(key string, v any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = v
}

// Get returns the metadata value stored under key.
func (e *Env) Get(key string) (any, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// Succeeded reports whether the response status is 1xx-3xx.
func (e *Env) Succeeded() bool {
	return e.Status > 0 && e.Status < 400
}

// Clone returns a deep copy of e. Metadata values themselves are shared.
func (e *Env) Clone() *Env {
	cp := &Env{
		Method:         e.Method,
		Header:         e.Header.Clone(),
		Body:           cloneBytes(e.Body),
		Status:         e.Status,
		ResponseHeader: e.ResponseHeader.Clone(),
		ResponseBody:   cloneBytes(e.ResponseBody),
		Metadata:       make(map[string]any, len(e.Metadata)),
	}
	if e.URL != nil {
		u := *e.URL
		if e.URL.User != nil {
			ui := *e.URL.User
			u.User = &ui
		}
		cp.URL = &u
	}
	if cp.Header == nil {
		cp.Header = make(http.Header)
	}
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// ResetResponse clears response fields so the env can be dispatched again.
func (e *Env) ResetResponse() {
	e.Status = 0
	e.ResponseHeader = nil
	e.ResponseBody = nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
