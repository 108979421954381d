package opshttp

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// recoverMW turns a handler panic into a logged 500.
func recoverMW(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				L.Error(r.Context(), xerrors.WithStack(err), "ops http handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, "internal server error\n", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requireNonPublicNetwork serves only loopback, private and link-local
// peers that did not come through a proxy. The admin port must never be
// reachable from the internet even if the network rules around it are wrong.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" {
			L.Warn(r.Context(), "ops request rejected: forwarded", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			L.Warn(r.Context(), "ops request rejected: unparseable peer", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request rejected: public peer", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
