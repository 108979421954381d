package mw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

// StatusError reports a response whose status is at or above a raise_error
// link's min_status.
type StatusError struct {
	Status   int
	Method   string
	URL      string
	Body     string // truncated to the link's max_body
	BodySize int

	// Env is the response the error was raised for.
	Env *chain.Env
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream returned %d %s for %s %s", e.Status, http.StatusText(e.Status), e.Method, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// RaiseError turns error responses into *StatusError so links further out
// see them through their error hooks.
func (k *Kit) RaiseError(overrides registry.Options) chain.Factory {
	return func(next chain.Handler) (chain.Handler, error) {
		re := &raiseErrorLink{}
		if _, err := k.newLink(k.types.RaiseError, next, re, overrides); err != nil {
			return nil, err
		}
		return re, nil
	}
}

type raiseErrorLink struct {
	*chain.Link
	minStatus int
	maxBody   int
}

func (r *raiseErrorLink) configure(l *chain.Link) error {
	r.Link = l
	opts := l.Options()
	var err error
	if r.minStatus, err = optInt(opts, "min_status"); err != nil {
		return err
	}
	if r.minStatus <= 0 {
		r.minStatus = http.StatusBadRequest
	}
	r.maxBody, err = optInt(opts, "max_body")
	return err
}

func (r *raiseErrorLink) Process(ctx context.Context, env *chain.Env) (*chain.Env, error) {
	resp, err := r.Link.Process(ctx, env)
	if err != nil {
		return resp, err
	}
	if resp.Status < r.minStatus {
		return resp, nil
	}
	se := &StatusError{
		Status:   resp.Status,
		Method:   resp.Method,
		BodySize: len(resp.ResponseBody),
		Env:      resp,
	}
	if resp.URL != nil {
		se.URL = resp.URL.Redacted()
	}
	if r.maxBody > 0 && len(resp.ResponseBody) > 0 {
		se.Body = truncate(resp.ResponseBody, r.maxBody)
	}
	return resp, se
}
