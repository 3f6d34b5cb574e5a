package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// bypassPaths never require authentication.
var bypassPaths = map[string]bool{
	"/health":  true,
	"/status":  true,
	"/metrics": true,
}

// AuthMiddleware enforces the bridge's optional authentication: either the
// Authorization header carries the shared API key, or the principal header
// decodes to a principal whose claims intersect the required groups.
//
// /health, /status and /metrics always bypass. Localhost bypass is
// configuration, off by default, and judged by the connection's remote
// address rather than anything the client can spoof in headers.
func AuthMiddleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() || bypassPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.AllowLocalhost && isLoopbackPeer(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.APIKey != "" && matchesAPIKey(r.Header.Get(AuthorizationHeader), cfg.APIKey) {
				next.ServeHTTP(w, r)
				return
			}

			if principal, ok := decodePrincipal(r.Header.Get(PrincipalHeader)); ok {
				if principal.HasAnyClaim(cfg.RequiredGroups) {
					ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				xregistry.WriteProblem(w, r, xregistry.NewProblem(
					xregistry.CodeForbidden, "principal lacks a required group claim"))
				return
			}

			xregistry.WriteProblem(w, r, xregistry.NewProblem(
				xregistry.CodeUnauthorized, "missing or invalid credentials"))
		})
	}
}

// matchesAPIKey accepts the bare key or an "ApiKey <key>"/"Bearer <key>"
// scheme.
func matchesAPIKey(header, key string) bool {
	if header == "" {
		return false
	}
	if header == key {
		return true
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found {
		return false
	}
	switch scheme {
	case "ApiKey", "Bearer":
		return value == key
	}
	return false
}

// decodePrincipal parses the base64 JSON principal header.
func decodePrincipal(header string) (*Principal, bool) {
	if header == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, false
	}
	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// isLoopbackPeer reports whether the TCP peer is a loopback address.
func isLoopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GetPrincipal extracts the authenticated principal from context, if any.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalContextKey).(*Principal); ok {
		return p
	}
	return nil
}
