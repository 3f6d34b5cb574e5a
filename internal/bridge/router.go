package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/engine"
	"github.com/vitaliisemenov/xregistry-bridge/internal/query"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// RegistryID is the identity of the unified bridge registry.
const RegistryID = "unified-xregistry"

// Bridge serves the unified namespace: local synthesis for the root, model,
// capabilities, and health documents, reverse proxy for everything group
// scoped.
type Bridge struct {
	cfg      *config.Config
	registry *Registry
	monitor  *Monitor
	logger   *slog.Logger
}

// New wires a bridge from its collaborators.
func New(cfg *config.Config, registry *Registry, monitor *Monitor, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, registry: registry, monitor: monitor, logger: logger}
}

// Routes registers the bridge's path classification table.
func (b *Bridge) Routes(r *mux.Router) {
	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/status", b.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/", b.handleRoot).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/model", b.handleModel).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/capabilities", b.handleCapabilities).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/export", b.handleExport).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/{groupType}").HandlerFunc(b.handleGroupScoped).
		Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeAPINotFound,
			"no API at %s", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := xregistry.NewProblem(xregistry.CodeInvalidData, "this registry is read-only")
		p.Status = http.StatusMethodNotAllowed
		xregistry.WriteProblem(w, r, p)
	})
}

func (b *Bridge) base(r *http.Request) string {
	return engine.EffectiveBaseURL(r, b.cfg.Server.BaseURLHeader, b.cfg.Server.BaseURL)
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := b.monitor.Snapshot()
	status := http.StatusOK
	if doc.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

// handleRoot assembles the merged root: the union of every available
// downstream's declared group types, each pointing back at the bridge.
func (b *Bridge) handleRoot(w http.ResponseWriter, r *http.Request) {
	if _, err := query.Parse(r.URL.Query()); err != nil {
		xregistry.WriteError(w, r, err)
		return
	}

	base := b.base(r)
	st := b.registry.State()
	root := map[string]any{
		"specversion":     xregistry.SpecVersion,
		"registryid":      RegistryID,
		"xid":             "/",
		"self":            xregistry.Self(base, "/"),
		"epoch":           st.Epoch("/"),
		"createdat":       xregistry.Timestamp(st.CreatedAt("/")),
		"modifiedat":      xregistry.Timestamp(st.ModifiedAt("/")),
		"modelurl":        base + "/model",
		"capabilitiesurl": base + "/capabilities",
	}

	counts := make(map[string]int)
	for _, d := range b.registry.Downstreams() {
		if !d.Available() {
			continue
		}
		for _, g := range d.Groups() {
			counts[g.Type]++
		}
	}
	for gt, n := range counts {
		root[gt+"url"] = base + "/" + gt
		root[gt+"count"] = n
	}

	etag := xregistry.ETag("/", st.Epoch("/"))
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(root)
}

// handleModel merges the cached per-downstream model fragments: the union
// of their group schemas.
func (b *Bridge) handleModel(w http.ResponseWriter, r *http.Request) {
	groups := make(map[string]any)
	for _, d := range b.registry.Downstreams() {
		if !d.Initialized() {
			continue
		}
		var fragment struct {
			Groups map[string]json.RawMessage `json:"groups"`
		}
		if err := json.Unmarshal(d.ModelFragment(), &fragment); err != nil {
			continue
		}
		for gt, schema := range fragment.Groups {
			if _, taken := groups[gt]; !taken {
				groups[gt] = schema
			}
		}
	}
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(map[string]any{"groups": groups})
}

// handleCapabilities merges the downstream capability vectors: flags and
// schemas are unioned so a client sees everything the aggregate supports.
func (b *Bridge) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	apis := newStringSet("/capabilities", "/export", "/model")
	flags := newStringSet()
	schemas := newStringSet("xRegistry-json/" + xregistry.SpecVersion)
	specversions := newStringSet(xregistry.SpecVersion)

	for _, d := range b.registry.Downstreams() {
		if !d.Initialized() {
			continue
		}
		var fragment struct {
			APIs         []string `json:"apis"`
			Flags        []string `json:"flags"`
			Schemas      []string `json:"schemas"`
			SpecVersions []string `json:"specversions"`
		}
		if err := json.Unmarshal(d.CapabilitiesFragment(), &fragment); err != nil {
			continue
		}
		apis.add(fragment.APIs...)
		flags.add(fragment.Flags...)
		schemas.add(fragment.Schemas...)
		specversions.add(fragment.SpecVersions...)
	}

	doc := map[string]any{
		"apis":         apis.sorted(),
		"flags":        flags.sorted(),
		"mutable":      []string{},
		"pagination":   true,
		"schemas":      schemas.sorted(),
		"specversions": specversions.sorted(),
		"versionmodes": []string{"manual"},
	}
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(doc)
}

func (b *Bridge) handleExport(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/?doc&inline=*,capabilities,modelsource", http.StatusFound)
}

// handleGroupScoped classifies /{groupType}[/...] and proxies it to the
// owning downstream.
func (b *Bridge) handleGroupScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		// CORS middleware already answered the preflight headers; nothing
		// to proxy for a bare OPTIONS.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	segments := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	groupType := segments[0]
	groupID := ""
	if len(segments) > 1 {
		groupID = segments[1]
	}

	if !b.registry.KnowsGroupType(groupType) {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeAPINotFound,
			"no group type %q in this registry", groupType))
		return
	}

	d := b.registry.OwnerOf(groupType, groupID)
	if d == nil || !d.Available() {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeServiceUnavailable,
			"the downstream serving %q is unavailable", groupType))
		return
	}

	b.proxy(w, r, d, b.base(r))
}

// stringSet is a tiny ordered-output set for capability merging.
type stringSet map[string]struct{}

func newStringSet(items ...string) stringSet {
	s := make(stringSet)
	s.add(items...)
	return s
}

func (s stringSet) add(items ...string) {
	for _, it := range items {
		s[it] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for it := range s {
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
