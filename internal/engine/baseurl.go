// Package engine assembles the xRegistry response set for one backend:
// root, model, capabilities, groups, resources, versions, and meta
// projections, composed from the name catalog, the query engine, and the
// entity state manager.
package engine

import (
	"net/http"
	"strings"
)

// DefaultBaseURLHeader is the header the bridge injects so a backend emits
// bridge-rooted self URLs.
const DefaultBaseURLHeader = "x-base-url"

// EffectiveBaseURL resolves the URL prefix every self value derives from.
// Order: the injected base-URL header, x-forwarded-proto/host, the
// configured base URL, then the request's own scheme and host.
func EffectiveBaseURL(r *http.Request, headerName, configured string) string {
	if headerName == "" {
		headerName = DefaultBaseURLHeader
	}
	if v := r.Header.Get(headerName); v != "" {
		return strings.TrimSuffix(v, "/")
	}

	if host := r.Header.Get("x-forwarded-host"); host != "" {
		proto := r.Header.Get("x-forwarded-proto")
		if proto == "" {
			proto = "http"
		}
		return proto + "://" + host
	}

	if configured != "" {
		return strings.TrimSuffix(configured, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
