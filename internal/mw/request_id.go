package mw

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// RequestIDKey is the env metadata key a request_id link stores the id
// under. Logging and tracing links read it from there.
const RequestIDKey = "request_id"

// RequestID tags each outgoing request with an id header. An id already
// present on the request is kept; otherwise a random UUID is generated.
// The id is also stored in env metadata under RequestIDKey.
func (k *Kit) RequestID(overrides registry.Options) chain.Factory {
	return k.link(k.types.RequestID, overrides, func() configurer { return &requestID{} })
}

type requestID struct {
	header string
}

func (r *requestID) configure(l *chain.Link) error {
	opts := l.Options()
	var err error
	if r.header, err = optString(opts, "header"); err != nil {
		return err
	}
	if r.header == "" {
		return xerrors.New("header must not be empty")
	}
	return nil
}

func (r *requestID) OnRequest(_ context.Context, env *chain.Env) {
	if env.Header == nil {
		env.Header = make(http.Header)
	}
	id := env.Header.Get(r.header)
	if id == "" {
		id = uuid.NewString()
		env.Header.Set(r.header, id)
	}
	env.Set(RequestIDKey, id)
}

// RequestIDFrom returns the id a request_id link stored in env, or "".
func RequestIDFrom(env *chain.Env) string {
	if env == nil {
		return ""
	}
	if v, ok := env.Get(RequestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
