// Package wsorigin decides which browser origins may open the local
// websocket endpoints.
package wsorigin

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/page-companion/companion/internal/logging"
)

// Check accepts requests without an Origin header (native clients), requests
// whose Origin host matches the request host, and origins listed in allowed.
// Everything else is refused, so an arbitrary page cannot reach a loopback
// endpoint.
func Check(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		logging.Warnw("wsorigin: cross-origin websocket refused", "origin", origin, "path", r.URL.Path)
		return false
	}
}

// Upgrader returns a websocket upgrader guarded by Check(allowed).
func Upgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: Check(allowed)}
}
