package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/xregistry-bridge/internal/catalog"
	"github.com/vitaliisemenov/xregistry-bridge/internal/query"
	"github.com/vitaliisemenov/xregistry-bridge/internal/resilience"
	"github.com/vitaliisemenov/xregistry-bridge/internal/state"
	"github.com/vitaliisemenov/xregistry-bridge/internal/upstream"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// GroupDef binds one (groupType, groupId) pair to its catalog and adapter.
type GroupDef struct {
	Type         string
	ID           string
	ResourceType string
	Catalog      *catalog.Catalog
	Adapter      upstream.Adapter
}

// Service is the catalog engine for one backend.
type Service struct {
	RegistryID    string
	Groups        []GroupDef
	State         *state.Manager
	Query         *query.Engine
	BaseURL       string
	BaseURLHeader string
	Logger        *slog.Logger

	// etags remembers the last observed upstream validator per resource
	// xid; a change is the mutation signal that bumps the epoch.
	etagMu sync.Mutex
	etags  map[string]string
}

// NewService wires a service with defaults filled in.
func NewService(s *Service) *Service {
	if s.State == nil {
		s.State = state.NewManager()
	}
	if s.Query == nil {
		s.Query = query.NewEngine(query.Options{})
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.etags = make(map[string]string)
	return s
}

// observe records the upstream validator for a resource and bumps the epoch
// when it changes. First observation sets the baseline without a bump.
func (s *Service) observe(xid string, pkg *upstream.Package) {
	if pkg.ETag == "" {
		return
	}
	s.etagMu.Lock()
	prev, seen := s.etags[xid]
	s.etags[xid] = pkg.ETag
	s.etagMu.Unlock()

	if seen && prev != pkg.ETag {
		s.State.IncrementEpoch(xid)
	}
}

// Routes registers every engine endpoint on r.
func (s *Service) Routes(r *mux.Router) {
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/model", s.handleModel).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/export", s.handleExport).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}", s.handleGroups).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}", s.handleGroup).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}/{resourceType}", s.handleResources).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}/{resourceType}/{resourceID}", s.handleResource).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}/{resourceType}/{resourceID}/meta", s.handleMeta).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}/{resourceType}/{resourceID}/versions", s.handleVersions).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}/{resourceType}/{resourceID}/versions/{versionID}", s.handleVersion).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{groupType}/{groupID}/{resourceType}/{resourceID}/versions/{versionID}/meta", s.handleVersionMeta).Methods(http.MethodGet, http.MethodHead)
}

func (s *Service) base(r *http.Request) string {
	return EffectiveBaseURL(r, s.BaseURLHeader, s.BaseURL)
}

// writeEntity emits an xRegistry payload with its strong ETag, answering
// If-None-Match with 304.
func (s *Service) writeEntity(w http.ResponseWriter, r *http.Request, xid string, payload any) {
	etag := xregistry.ETag(xid, s.State.Epoch(xid))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", s.State.ModifiedAt(xid).UTC().Format(http.TimeFormat))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Service) writeCollection(w http.ResponseWriter, r *http.Request, flags *query.Flags, hasMore bool, payload any) {
	if hasMore {
		w.Header().Set("Link", nextLink(r, flags))
	}
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(payload)
}

// nextLink rebuilds the request URL with offset advanced one page.
func nextLink(r *http.Request, flags *query.Flags) string {
	u := *r.URL
	q := u.Query()
	q.Set("limit", strconv.Itoa(flags.Limit))
	q.Set("offset", strconv.Itoa(flags.Offset+flags.Limit))
	u.RawQuery = encodeQuery(q)
	return fmt.Sprintf("<%s>; rel=\"next\"", u.RequestURI())
}

// encodeQuery preserves flag ordering stability for cache friendliness.
func encodeQuery(q url.Values) string {
	return q.Encode()
}

func (s *Service) parseFlags(w http.ResponseWriter, r *http.Request) (*query.Flags, bool) {
	flags, err := query.Parse(r.URL.Query())
	if err != nil {
		xregistry.WriteError(w, r, err)
		return nil, false
	}
	return flags, true
}

func (s *Service) findGroup(gt, gid string) *GroupDef {
	for i := range s.Groups {
		g := &s.Groups[i]
		if g.Type == gt && g.ID == gid {
			return g
		}
	}
	return nil
}

func (s *Service) groupsOfType(gt string) []*GroupDef {
	var out []*GroupDef
	for i := range s.Groups {
		if s.Groups[i].Type == gt {
			out = append(out, &s.Groups[i])
		}
	}
	return out
}

func (s *Service) handleRoot(w http.ResponseWriter, r *http.Request) {
	flags, ok := s.parseFlags(w, r)
	if !ok {
		return
	}
	base := s.base(r)
	root := s.rootEntity(base)

	if flags.Doc || flags.InlineAll || len(flags.Inline) > 0 {
		s.inlineRoot(root, base, flags)
	}
	s.writeEntity(w, r, "/", root)
}

// inlineRoot embeds the requested collections into the root document. The
// doc view embeds everything /export promises: capabilities, model source,
// and the group trees.
func (s *Service) inlineRoot(root Entity, base string, flags *query.Flags) {
	wantAll := flags.InlineAll
	want := make(map[string]bool, len(flags.Inline))
	for _, name := range flags.Inline {
		want[name] = true
	}

	if wantAll || want["capabilities"] {
		root["capabilities"] = s.capabilitiesDocument()
	}
	if wantAll || want["model"] || want["modelsource"] {
		root["model"] = s.modelDocument()
	}

	byType := make(map[string]map[string]Entity)
	for i := range s.Groups {
		g := &s.Groups[i]
		if !wantAll && !want[g.Type] {
			continue
		}
		groups, ok := byType[g.Type]
		if !ok {
			groups = make(map[string]Entity)
			byType[g.Type] = groups
		}
		ge := s.groupEntity(base, g)
		if wantAll {
			names, _ := g.Catalog.List(0, query.DefaultLimit, nil)
			resources := make(map[string]Entity, len(names))
			for _, name := range names {
				resources[name] = s.resourceEntity(base, g, name, nil)
			}
			ge[g.ResourceType] = resources
		}
		groups[g.ID] = ge
	}
	for gt, groups := range byType {
		root[gt] = groups
	}
}

func (s *Service) handleModel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(s.modelDocument())
}

func (s *Service) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", xregistry.ContentType)
	_ = json.NewEncoder(w).Encode(s.capabilitiesDocument())
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	target := "/?doc&inline=*,capabilities,modelsource"
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Service) handleGroups(w http.ResponseWriter, r *http.Request) {
	flags, ok := s.parseFlags(w, r)
	if !ok {
		return
	}
	gt := mux.Vars(r)["groupType"]
	groups := s.groupsOfType(gt)
	if len(groups) == 0 {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeEntityNotFound, "unknown group type %q", gt))
		return
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	base := s.base(r)
	out := make(map[string]Entity)
	for i, g := range groups {
		if i < flags.Offset || len(out) >= flags.Limit {
			continue
		}
		out[g.ID] = s.groupEntity(base, g)
	}
	s.writeCollection(w, r, flags, flags.Offset+flags.Limit < len(groups), out)
}

func (s *Service) handleGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	g := s.findGroup(vars["groupType"], vars["groupID"])
	if g == nil {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeEntityNotFound,
			"no group %s/%s", vars["groupType"], vars["groupID"]))
		return
	}
	s.writeEntity(w, r, xregistry.GroupXID(g.Type, g.ID), s.groupEntity(s.base(r), g))
}

// resolveResourceScope validates the group and resource-type path segments.
func (s *Service) resolveResourceScope(w http.ResponseWriter, r *http.Request) (*GroupDef, bool) {
	vars := mux.Vars(r)
	g := s.findGroup(vars["groupType"], vars["groupID"])
	if g == nil {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeEntityNotFound,
			"no group %s/%s", vars["groupType"], vars["groupID"]))
		return nil, false
	}
	if vars["resourceType"] != g.ResourceType {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeEntityNotFound,
			"group %s/%s has no resource type %q", g.Type, g.ID, vars["resourceType"]))
		return nil, false
	}
	return g, true
}

func (s *Service) handleResources(w http.ResponseWriter, r *http.Request) {
	flags, ok := s.parseFlags(w, r)
	if !ok {
		return
	}
	g, ok := s.resolveResourceScope(w, r)
	if !ok {
		return
	}

	page, err := s.Query.Resources(r.Context(), g.Catalog, g.Adapter, flags)
	if err != nil {
		xregistry.WriteError(w, r, err)
		return
	}

	base := s.base(r)
	out := make(map[string]Entity, len(page.Items))
	for _, it := range page.Items {
		pkg := it.Pkg
		if pkg == nil && (flags.InlineAll || len(flags.Inline) > 0) {
			pkg = s.fetchQuiet(r, g, it.Name)
		}
		out[it.Name] = s.resourceEntity(base, g, it.Name, pkg)
	}
	s.writeCollection(w, r, flags, page.HasMore, out)
}

// fetchQuiet resolves metadata for inline rendering; failures degrade to the
// skeleton entity instead of failing the listing.
func (s *Service) fetchQuiet(r *http.Request, g *GroupDef, name string) *upstream.Package {
	pkg, err := g.Adapter.Get(r.Context(), name)
	if err != nil {
		s.Logger.Warn("inline metadata fetch failed", "package", name, "error", err)
		return nil
	}
	return pkg
}

// resolveResource validates the full resource path and fetches metadata.
func (s *Service) resolveResource(w http.ResponseWriter, r *http.Request) (*GroupDef, string, *upstream.Package, bool) {
	g, ok := s.resolveResourceScope(w, r)
	if !ok {
		return nil, "", nil, false
	}
	name := mux.Vars(r)["resourceID"]
	if !g.Catalog.Exists(name) {
		exists, err := g.Adapter.Exists(r.Context(), name)
		if err != nil || !exists {
			xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeEntityNotFound,
				"no %s %q in %s/%s", singularOf(g.ResourceType), name, g.Type, g.ID))
			return nil, "", nil, false
		}
	}
	pkg, err := g.Adapter.Get(r.Context(), name)
	if err != nil {
		xregistry.WriteError(w, r, resilience.ClassifyTransport(err))
		return nil, "", nil, false
	}
	return g, name, pkg, true
}

func (s *Service) handleResource(w http.ResponseWriter, r *http.Request) {
	flags, ok := s.parseFlags(w, r)
	if !ok {
		return
	}
	g, name, pkg, ok := s.resolveResource(w, r)
	if !ok {
		return
	}

	base := s.base(r)
	entity := s.resourceEntity(base, g, name, pkg)

	wantVersions := flags.InlineAll
	wantMeta := flags.InlineAll
	for _, in := range flags.Inline {
		switch in {
		case "versions":
			wantVersions = true
		case "meta":
			wantMeta = true
		}
	}
	if wantVersions {
		versions := make(map[string]Entity, len(pkg.Versions))
		for _, v := range pkg.Versions {
			versions[v] = s.versionEntity(base, g, name, &upstream.PackageVersion{Version: v})
		}
		entity["versions"] = versions
	}
	if wantMeta {
		entity["meta"] = s.metaEntity(base, g, name, pkg, metaFlags{
			noDefaultVersionID:     flags.NoDefaultVersionID,
			noDefaultVersionSticky: flags.NoDefaultVersionSticky,
		})
	}

	s.writeEntity(w, r, xregistry.ResourceXID(g.Type, g.ID, g.ResourceType, name), entity)
}

func (s *Service) handleMeta(w http.ResponseWriter, r *http.Request) {
	flags, ok := s.parseFlags(w, r)
	if !ok {
		return
	}
	g, name, pkg, ok := s.resolveResource(w, r)
	if !ok {
		return
	}
	meta := s.metaEntity(s.base(r), g, name, pkg, metaFlags{
		noDefaultVersionID:     flags.NoDefaultVersionID,
		noDefaultVersionSticky: flags.NoDefaultVersionSticky,
	})
	s.writeEntity(w, r, xregistry.ResourceXID(g.Type, g.ID, g.ResourceType, name)+"/meta", meta)
}

func (s *Service) handleVersions(w http.ResponseWriter, r *http.Request) {
	flags, ok := s.parseFlags(w, r)
	if !ok {
		return
	}
	g, name, pkg, ok := s.resolveResource(w, r)
	if !ok {
		return
	}

	base := s.base(r)
	versions := append([]string(nil), pkg.Versions...)
	sort.Strings(versions)

	total := len(versions)
	start := flags.Offset
	if start > total {
		start = total
	}
	end := start + flags.Limit
	if end > total {
		end = total
	}

	out := make(map[string]Entity, end-start)
	for _, v := range versions[start:end] {
		out[v] = s.versionEntity(base, g, name, &upstream.PackageVersion{Version: v})
	}
	s.writeCollection(w, r, flags, end < total, out)
}

// resolveVersion validates the version path segment.
func (s *Service) resolveVersion(w http.ResponseWriter, r *http.Request) (*GroupDef, string, *upstream.PackageVersion, bool) {
	g, name, pkg, ok := s.resolveResource(w, r)
	if !ok {
		return nil, "", nil, false
	}
	vid := mux.Vars(r)["versionID"]
	found := false
	for _, v := range pkg.Versions {
		if v == vid {
			found = true
			break
		}
	}
	if !found {
		xregistry.WriteProblem(w, r, xregistry.Problemf(xregistry.CodeEntityNotFound,
			"no version %q of %s", vid, name))
		return nil, "", nil, false
	}

	version, err := g.Adapter.GetVersion(r.Context(), name, vid)
	if err != nil {
		xregistry.WriteError(w, r, resilience.ClassifyTransport(err))
		return nil, "", nil, false
	}
	return g, name, version, true
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.parseFlags(w, r); !ok {
		return
	}
	g, name, version, ok := s.resolveVersion(w, r)
	if !ok {
		return
	}
	xid := xregistry.VersionXID(g.Type, g.ID, g.ResourceType, name, version.Version)
	s.writeEntity(w, r, xid, s.versionEntity(s.base(r), g, name, version))
}

func (s *Service) handleVersionMeta(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.parseFlags(w, r); !ok {
		return
	}
	g, name, version, ok := s.resolveVersion(w, r)
	if !ok {
		return
	}
	base := s.base(r)
	vxid := xregistry.VersionXID(g.Type, g.ID, g.ResourceType, name, version.Version)
	xid := vxid + "/meta"
	meta := Entity{
		"xid":        xid,
		"self":       xregistry.Self(base, xid),
		"epoch":      s.State.Epoch(vxid),
		"createdat":  xregistry.Timestamp(s.State.CreatedAt(vxid)),
		"modifiedat": xregistry.Timestamp(s.State.ModifiedAt(vxid)),
		"readonly":   true,
		"compatibility": "none",
	}
	s.writeEntity(w, r, xid, meta)
}
