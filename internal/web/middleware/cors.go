package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// AnyOrigin in the allow list opens the API to every browser origin.
const AnyOrigin = "*"

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Accept", "Content-Type", APIKeyHeader, "X-Request-Id"}, ", ")
)

// originPolicy decides which browser origins may call the API.
type originPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case AnyOrigin:
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

// isLoopback matches http(s) origins served from localhost or a loopback IP.
func isLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or ""
// when the origin gets no CORS headers.
func (p originPolicy) allowOrigin(origin string) string {
	switch {
	case origin == "":
		return ""
	case p.any:
		return AnyOrigin
	case isLoopback(origin):
		return origin
	}
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	return ""
}

// CORS returns middleware that lets the listed browser origins call the API.
// Loopback origins are always allowed for local kiosk development. Preflight
// requests are answered here and never reach the router.
func CORS(allowed []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowed)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowOrigin := policy.allowOrigin(origin)
			if allowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id")
			}
			if allowOrigin != AnyOrigin {
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowOrigin != "" {
					w.Header().Set("Access-Control-Allow-Methods", corsMethods)
					w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders returns middleware that sets headers suitable for a JSON-only API.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	}
}
