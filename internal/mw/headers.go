package mw

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// Headers sets static headers on every outgoing request. user_agent, when
// non-empty, overrides the User-Agent header.
func (k *Kit) Headers(overrides registry.Options) chain.Factory {
	return k.link(k.types.Headers, overrides, func() configurer { return &headers{} })
}

type headers struct {
	userAgent string
	set       map[string]string
}

func (h *headers) configure(l *chain.Link) error {
	opts := l.Options()
	var err error
	if h.userAgent, err = optString(opts, "user_agent"); err != nil {
		return err
	}
	h.set, err = optStringMap(opts, "headers")
	return err
}

func (h *headers) OnRequest(_ context.Context, env *chain.Env) {
	if env.Header == nil {
		env.Header = make(http.Header)
	}
	for k, v := range h.set {
		env.Header.Set(k, v)
	}
	if h.userAgent != "" {
		env.Header.Set("User-Agent", h.userAgent)
	}
}
