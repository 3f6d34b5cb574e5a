package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/xregistry-bridge/internal/catalog"
	"github.com/vitaliisemenov/xregistry-bridge/internal/upstream"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// fakeAdapter backs the engine tests with an in-memory package universe.
type fakeAdapter struct {
	packages map[string]*upstream.Package
}

func (f *fakeAdapter) Exists(_ context.Context, name string) (bool, error) {
	_, ok := f.packages[name]
	return ok, nil
}

func (f *fakeAdapter) Get(_ context.Context, name string) (*upstream.Package, error) {
	pkg, ok := f.packages[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return pkg, nil
}

func (f *fakeAdapter) GetVersion(_ context.Context, name, version string) (*upstream.PackageVersion, error) {
	return &upstream.PackageVersion{Version: version, Description: "release of " + name}, nil
}

func (f *fakeAdapter) ListNames(context.Context, string) (*upstream.NameDelta, error) {
	names := make([]string, 0, len(f.packages))
	for n := range f.packages {
		names = append(names, n)
	}
	return &upstream.NameDelta{Full: true, Names: names, Cursor: "t1"}, nil
}

func (f *fakeAdapter) Search(context.Context, string) ([]string, bool, error) {
	return nil, false, nil
}

func (f *fakeAdapter) Normalize(name string) string { return name }

func newTestService(t *testing.T) (*Service, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{packages: map[string]*upstream.Package{
		"express": {
			Name:           "express",
			Description:    "web framework",
			License:        "MIT",
			Homepage:       "https://expressjs.com",
			Versions:       []string{"4.18.0", "4.19.2", "5.0.0"},
			DefaultVersion: "4.19.2",
			ETag:           `"rev-1"`,
		},
		"lodash": {
			Name:     "lodash",
			License:  "MIT",
			Versions: []string{"4.17.21"},
			ETag:     `"rev-9"`,
		},
	}}
	cat, err := catalog.New(catalog.Options{Adapter: adapter})
	require.NoError(t, err)
	require.NoError(t, cat.Refresh(context.Background()))

	svc := NewService(&Service{
		RegistryID: "npm-wrapper",
		Groups: []GroupDef{{
			Type:         "noderegistries",
			ID:           "npmjs.org",
			ResourceType: "packages",
			Catalog:      cat,
			Adapter:      adapter,
		}},
	})
	return svc, adapter
}

func serve(t *testing.T, svc *Service, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	svc.Routes(r)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "backend:3100"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func TestRootEntity(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xregistry.ContentType, rec.Header().Get("Content-Type"))

	doc := decode(t, rec)
	assert.Equal(t, xregistry.SpecVersion, doc["specversion"])
	assert.Equal(t, "npm-wrapper", doc["registryid"])
	assert.Equal(t, "/", doc["xid"])
	assert.Equal(t, "http://backend:3100/", doc["self"])
	assert.Equal(t, "http://backend:3100/noderegistries", doc["noderegistriesurl"])
	assert.Equal(t, float64(1), doc["noderegistriescount"])
	assert.Equal(t, "http://backend:3100/model", doc["modelurl"])
	assert.GreaterOrEqual(t, doc["epoch"], float64(1))
}

func TestEffectiveBaseURLPrecedence(t *testing.T) {
	svc, _ := newTestService(t)

	rec := serve(t, svc, "/", map[string]string{"x-base-url": "http://bridge"})
	assert.Equal(t, "http://bridge/", decode(t, rec)["self"])

	rec = serve(t, svc, "/", map[string]string{
		"x-forwarded-proto": "https",
		"x-forwarded-host":  "edge.example.com",
	})
	assert.Equal(t, "https://edge.example.com/", decode(t, rec)["self"])

	svc.BaseURL = "http://configured:9999"
	rec = serve(t, svc, "/", nil)
	assert.Equal(t, "http://configured:9999/", decode(t, rec)["self"])
}

func TestSelfPathEqualsXID(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/express", map[string]string{"x-base-url": "http://bridge"})

	doc := decode(t, rec)
	assert.Equal(t, "/noderegistries/npmjs.org/packages/express", doc["xid"])
	assert.Equal(t, "http://bridge/noderegistries/npmjs.org/packages/express", doc["self"])
}

func TestGroupListingAndEntity(t *testing.T) {
	svc, _ := newTestService(t)

	rec := serve(t, svc, "/noderegistries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode(t, rec)
	require.Contains(t, doc, "npmjs.org")

	rec = serve(t, svc, "/noderegistries/npmjs.org", nil)
	doc = decode(t, rec)
	assert.Equal(t, "/noderegistries/npmjs.org", doc["xid"])
	assert.Equal(t, "npmjs.org", doc["noderegistryid"])
	assert.Equal(t, float64(2), doc["packagescount"])
}

func TestUnknownGroupTypeAndID(t *testing.T) {
	svc, _ := newTestService(t)

	rec := serve(t, svc, "/rustregistries", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, xregistry.ProblemContentType, rec.Header().Get("Content-Type"))

	rec = serve(t, svc, "/noderegistries/ghost.example", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceEntity(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/express", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode(t, rec)
	assert.Equal(t, "express", doc["packageid"])
	assert.Equal(t, "MIT", doc["license"])
	assert.Equal(t, float64(3), doc["versionscount"])
	assert.Equal(t, "4.19.2", doc["defaultversionid"])
	assert.Contains(t, doc["versionsurl"], "/packages/express/versions")
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestResourceNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/not-a-package", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetaProjection(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/express/meta", nil)

	doc := decode(t, rec)
	assert.Equal(t, "/noderegistries/npmjs.org/packages/express/meta", doc["xid"])
	assert.Equal(t, true, doc["readonly"])
	assert.Equal(t, "none", doc["compatibility"])
	assert.Equal(t, "4.19.2", doc["defaultversionid"])
	assert.Equal(t, false, doc["defaultversionsticky"])
	assert.NotContains(t, doc, "license")
}

func TestVersionsListingAndVersion(t *testing.T) {
	svc, _ := newTestService(t)

	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/express/versions", nil)
	doc := decode(t, rec)
	assert.Len(t, doc, 3)
	require.Contains(t, doc, "4.19.2")

	rec = serve(t, svc, "/noderegistries/npmjs.org/packages/express/versions/4.19.2", nil)
	doc = decode(t, rec)
	assert.Equal(t, "4.19.2", doc["versionid"])
	assert.Equal(t, "/noderegistries/npmjs.org/packages/express/versions/4.19.2", doc["xid"])

	rec = serve(t, svc, "/noderegistries/npmjs.org/packages/express/versions/0.0.0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceInlineVersionsAndMeta(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/express?inline=versions,meta", nil)

	doc := decode(t, rec)
	versions, ok := doc["versions"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, versions, 3)
	meta, ok := doc["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, meta["readonly"])
}

func TestResourcesListingWithFilterSortPagination(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages?filter=name=*s*&sort=name=asc&limit=1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode(t, rec)
	require.Len(t, doc, 1)
	require.Contains(t, doc, "express")
	link := rec.Header().Get("Link")
	assert.Contains(t, link, `rel="next"`)
	assert.Contains(t, link, "offset=1")
}

func TestResourcesListingUnknownFlag(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/noderegistries/npmjs.org/packages?frobnicate=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEpochBumpsOnUpstreamChange(t *testing.T) {
	svc, adapter := newTestService(t)

	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/express", nil)
	first := decode(t, rec)

	// Same metadata: epoch holds, etag holds.
	rec = serve(t, svc, "/noderegistries/npmjs.org/packages/express", nil)
	assert.Equal(t, first["epoch"], decode(t, rec)["epoch"])

	// Upstream revision changes: epoch strictly increases, createdat holds.
	adapter.packages["express"].ETag = `"rev-2"`
	rec = serve(t, svc, "/noderegistries/npmjs.org/packages/express", nil)
	second := decode(t, rec)
	assert.Greater(t, second["epoch"], first["epoch"])
	assert.Equal(t, first["createdat"], second["createdat"])
}

func TestConditionalGetWith304(t *testing.T) {
	svc, _ := newTestService(t)

	rec := serve(t, svc, "/noderegistries/npmjs.org/packages/lodash", nil)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = serve(t, svc, "/noderegistries/npmjs.org/packages/lodash", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestExportRedirect(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/export", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?doc&inline=*,capabilities,modelsource", rec.Header().Get("Location"))
}

func TestDocInlinesEverything(t *testing.T) {
	svc, _ := newTestService(t)
	rec := serve(t, svc, "/?doc&inline=*,capabilities,modelsource", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode(t, rec)
	assert.Contains(t, doc, "capabilities")
	assert.Contains(t, doc, "model")
	groups, ok := doc["noderegistries"].(map[string]any)
	require.True(t, ok)
	npm, ok := groups["npmjs.org"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, npm, "packages")
}

func TestModelAndCapabilities(t *testing.T) {
	svc, _ := newTestService(t)

	doc := decode(t, serve(t, svc, "/model", nil))
	groups, ok := doc["groups"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, groups, "noderegistries")

	doc = decode(t, serve(t, svc, "/capabilities", nil))
	assert.Contains(t, doc, "flags")
	assert.Equal(t, []any{"xRegistry-json/" + xregistry.SpecVersion}, doc["schemas"])
}
