// Package upstream defines the contract every per-registry client (npm,
// PyPI, Maven, NuGet, OCI, MCP) implements, plus the shared HTTP caching
// plumbing those clients build on. The clients themselves live outside this
// module; the catalog engine only ever sees this interface.
package upstream

import (
	"context"
	"time"
)

// Package is the enriched metadata for one package as one upstream reports
// it. ETag carries the upstream's validator for the metadata document, when
// one was offered.
type Package struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	License        string            `json:"license,omitempty"`
	Homepage       string            `json:"homepage,omitempty"`
	Repository     string            `json:"repository,omitempty"`
	Author         string            `json:"author,omitempty"`
	Keywords       []string          `json:"keywords,omitempty"`
	DefaultVersion string            `json:"defaultversion,omitempty"`
	Versions       []string          `json:"versions,omitempty"`
	ETag           string            `json:"-"`
	Extra          map[string]string `json:"-"`
}

// Attr resolves a filterable/sortable attribute by name. The bool reports
// whether the attribute exists for this package.
func (p *Package) Attr(name string) (string, bool) {
	switch name {
	case "name", "packageid":
		return p.Name, true
	case "description":
		return p.Description, p.Description != ""
	case "license":
		return p.License, p.License != ""
	case "homepage":
		return p.Homepage, p.Homepage != ""
	case "repository":
		return p.Repository, p.Repository != ""
	case "author":
		return p.Author, p.Author != ""
	case "defaultversionid":
		return p.DefaultVersion, p.DefaultVersion != ""
	}
	if p.Extra != nil {
		v, ok := p.Extra[name]
		return v, ok
	}
	return "", false
}

// PackageVersion is the metadata for one immutable version of a package.
type PackageVersion struct {
	Version     string    `json:"versionid"`
	Description string    `json:"description,omitempty"`
	License     string    `json:"license,omitempty"`
	Published   time.Time `json:"-"`
}

// NameDelta is the result of one ListNames call. Either Full is true and
// Names is the complete identifier set, or Full is false and Names/Deleted
// describe the change since the supplied cursor. Unchanged short-circuits a
// refresh whose cursor is still current.
type NameDelta struct {
	Full      bool
	Unchanged bool
	Names     []string
	Deleted   []string
	Cursor    string
}

// Adapter fetches package and version metadata from one upstream registry.
// Implementations must honour context cancellation on every call.
type Adapter interface {
	// Exists reports whether the named package exists upstream.
	Exists(ctx context.Context, name string) (bool, error)

	// Get fetches the full metadata for one package.
	Get(ctx context.Context, name string) (*Package, error)

	// GetVersion fetches the metadata for one version of a package.
	GetVersion(ctx context.Context, name, version string) (*PackageVersion, error)

	// ListNames enumerates package identifiers. An empty cursor requests a
	// bootstrap walk; otherwise the adapter consumes whatever incremental
	// cursor it previously returned (commitTimeStamp, ETag, Last-Modified).
	ListNames(ctx context.Context, cursor string) (*NameDelta, error)

	// Search narrows the candidate set server-side when the upstream offers
	// a search service. Adapters without one return ok=false.
	Search(ctx context.Context, query string) (names []string, ok bool, err error)

	// Normalize maps a raw package identifier to the upstream's canonical
	// form (PEP 503 for PyPI, lower-case for NuGet, identity for Maven).
	Normalize(name string) string
}
