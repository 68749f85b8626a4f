// Package middleware provides HTTP middleware for the local control API.
package middleware

import (
	"net/http"
	"net/url"
)

const (
	allowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	allowHeaders = "Content-Type, Authorization"
)

// CORS returns middleware that handles CORS headers. Preflight requests are
// answered directly and never reach next. Requests carrying an Origin that
// is neither listed nor the API's own host are refused with 403, which also
// covers websocket upgrades and simple cross-site POSTs.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			ok, explicit := matchOrigin(allowedOrigins, origin)
			if origin != "" && !ok && !sameOrigin(origin, r.Host) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}

			if ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", allowMethods)
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", "600")
				h.Add("Vary", "Origin")
				// A wildcard-echoed origin with credentials would enable CSRF.
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin reports whether origin is allowed and whether it was listed
// explicitly rather than matched by "*".
func matchOrigin(allowed []string, origin string) (ok, explicit bool) {
	if origin == "" {
		return false, false
	}
	for _, o := range allowed {
		if o == origin {
			return true, true
		}
		if o == "*" {
			ok = true
		}
	}
	return ok, false
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == host
}
