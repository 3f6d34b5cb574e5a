package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/state"
)

// fakeDownstream is an httptest-backed xRegistry backend. When honourBase
// is set it emits self URLs rooted at the injected x-base-url; otherwise it
// leaks its own URL so the bridge must rewrite.
type fakeDownstream struct {
	srv        *httptest.Server
	honourBase bool
	groupType  string
	groupID    string
}

func newFakeDownstream(t *testing.T, groupType, groupID string, honourBase bool) *fakeDownstream {
	t.Helper()
	f := &fakeDownstream{honourBase: honourBase, groupType: groupType, groupID: groupID}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDownstream) serve(w http.ResponseWriter, r *http.Request) {
	base := r.Header.Get("x-base-url")
	if !f.honourBase || base == "" {
		base = f.srv.URL
	}

	switch r.URL.Path {
	case "/", "":
		fmt.Fprintf(w, `{"specversion":"1.0-rc2","xid":"/","self":"%s/"}`, base)
	case "/capabilities":
		fmt.Fprint(w, `{"apis":["/capabilities","/model"],"flags":["filter","inline"],"schemas":["xRegistry-json/1.0-rc2"],"specversions":["1.0-rc2"]}`)
	case "/model":
		fmt.Fprintf(w, `{"groups":{"%s":{"plural":"%s"}}}`, f.groupType, f.groupType)
	default:
		w.Header().Set("ETag", `"ds-etag"`)
		fmt.Fprintf(w, `{"xid":"%s","self":"%s%s"}`, r.URL.Path, base, r.URL.Path)
	}
}

func testConfig(downstreams ...config.DownstreamConfig) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, BaseURLHeader: "x-base-url"},
		Init: config.InitConfig{
			Timeout:       3 * time.Second,
			ProbeTimeout:  time.Second,
			RetryInitial:  10 * time.Millisecond,
			RetryMax:      50 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		Health:      config.HealthConfig{Interval: time.Minute, ProbeTimeout: time.Second},
		Proxy:       config.ProxyConfig{Timeout: 5 * time.Second},
		Downstreams: downstreams,
	}
}

// buildBridge initializes a bridge over the given fakes and returns the
// HTTP handler plus its parts.
func buildBridge(t *testing.T, fakes ...*fakeDownstream) (*mux.Router, *Bridge, *Registry, *Monitor) {
	t.Helper()

	var cfgs []config.DownstreamConfig
	for _, f := range fakes {
		cfgs = append(cfgs, config.DownstreamConfig{
			URL:    f.srv.URL,
			Groups: []config.GroupRef{{Type: f.groupType, ID: f.groupID}},
		})
	}
	cfg := testConfig(cfgs...)

	registry := NewRegistry(cfg.Downstreams, state.NewManager(), nil)
	init := NewInitializer(registry, cfg.Init, nil)
	require.NoError(t, init.Run(context.Background()))

	monitor := NewMonitor(registry, init, cfg.Health, nil)
	b := New(cfg, registry, monitor, nil)

	r := mux.NewRouter()
	b.Routes(r)
	return r, b, registry, monitor
}

func get(router http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "bridge"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func TestMergedRoot(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	python := newFakeDownstream(t, "pythonregistries", "pypi.org", true)
	router, _, _, _ := buildBridge(t, node, python)

	rec := get(router, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	assert.Equal(t, "1.0-rc2", doc["specversion"])
	assert.Equal(t, "unified-xregistry", doc["registryid"])
	assert.Equal(t, "http://bridge/noderegistries", doc["noderegistriesurl"])
	assert.Equal(t, "http://bridge/pythonregistries", doc["pythonregistriesurl"])
	assert.Equal(t, float64(1), doc["noderegistriescount"])
	assert.Equal(t, float64(1), doc["pythonregistriescount"])
	assert.GreaterOrEqual(t, doc["epoch"], float64(1))
}

func TestProxyPassThroughWhenDownstreamHonoursBase(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	router, _, _, _ := buildBridge(t, node)

	rec := get(router, "/noderegistries/npmjs.org/packages/express", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	assert.Equal(t, "http://bridge/noderegistries/npmjs.org/packages/express", doc["self"])
	assert.Equal(t, `"ds-etag"`, rec.Header().Get("ETag"), "validator headers must be preserved")
}

func TestProxyRewriteFallback(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", false)
	router, _, _, _ := buildBridge(t, node)

	rec := get(router, "/noderegistries/npmjs.org/packages/express", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	assert.Equal(t, "http://bridge/noderegistries/npmjs.org/packages/express", doc["self"],
		"a downstream that ignores x-base-url gets the textual rewrite")
}

func TestUnknownGroupTypeIs404(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	router, _, _, _ := buildBridge(t, node)

	rec := get(router, "/rustregistries/crates.io", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	doc := decodeBody(t, rec)
	assert.Contains(t, doc["type"], "api_not_found")
}

func TestPartialStartupServes503ForMissingGroup(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)

	dead := config.DownstreamConfig{
		URL:    "http://127.0.0.1:1",
		Groups: []config.GroupRef{{Type: "pythonregistries", ID: "pypi.org"}},
	}
	cfg := testConfig(config.DownstreamConfig{
		URL:    node.srv.URL,
		Groups: []config.GroupRef{{Type: "noderegistries", ID: "npmjs.org"}},
	}, dead)
	cfg.Init.Timeout = 300 * time.Millisecond

	registry := NewRegistry(cfg.Downstreams, state.NewManager(), nil)
	init := NewInitializer(registry, cfg.Init, nil)
	require.NoError(t, init.Run(context.Background()), "one live downstream is enough to start")

	monitor := NewMonitor(registry, init, cfg.Health, nil)
	b := New(cfg, registry, monitor, nil)
	router := mux.NewRouter()
	b.Routes(router)

	rec := get(router, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, "healthy", doc["status"])
	rows := doc["downstreams"].([]any)
	require.Len(t, rows, 2)

	healthyStates := map[bool]int{}
	for _, row := range rows {
		healthyStates[row.(map[string]any)["healthy"].(bool)]++
	}
	assert.Equal(t, 1, healthyStates[true])
	assert.Equal(t, 1, healthyStates[false])

	rec = get(router, "/pythonregistries/pypi.org", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(router, "/noderegistries/npmjs.org", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitializerFailsWhenNothingReachable(t *testing.T) {
	cfg := testConfig(config.DownstreamConfig{
		URL:    "http://127.0.0.1:1",
		Groups: []config.GroupRef{{Type: "noderegistries", ID: "npmjs.org"}},
	})
	cfg.Init.Timeout = 200 * time.Millisecond

	registry := NewRegistry(cfg.Downstreams, state.NewManager(), nil)
	init := NewInitializer(registry, cfg.Init, nil)
	assert.ErrorIs(t, init.Run(context.Background()), ErrNoDownstreams)
}

func TestHealthTransitionBumpsRootEpoch(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	router, _, registry, monitor := buildBridge(t, node)

	before := decodeBody(t, get(router, "/", nil))["epoch"].(float64)

	node.srv.Close()
	monitor.ProbeAll(context.Background())

	after := decodeBody(t, get(router, "/", nil))["epoch"].(float64)
	assert.Greater(t, after, before, "healthy→unhealthy must strictly increase the root epoch")
	assert.False(t, registry.AnyAvailable())

	rec := get(router, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, rec)["status"])
}

func TestMergedModelAndCapabilities(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	python := newFakeDownstream(t, "pythonregistries", "pypi.org", true)
	router, _, _, _ := buildBridge(t, node, python)

	doc := decodeBody(t, get(router, "/model", nil))
	groups := doc["groups"].(map[string]any)
	assert.Contains(t, groups, "noderegistries")
	assert.Contains(t, groups, "pythonregistries")

	doc = decodeBody(t, get(router, "/capabilities", nil))
	flags := doc["flags"].([]any)
	assert.Contains(t, flags, "filter")
	assert.Contains(t, flags, "inline")
}

func TestExportRedirect(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	router, _, _, _ := buildBridge(t, node)

	rec := get(router, "/export", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?doc&inline=*,capabilities,modelsource", rec.Header().Get("Location"))
}

func TestRootConditionalGet(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	router, _, _, _ := buildBridge(t, node)

	rec := get(router, "/", nil)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = get(router, "/", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestUnknownFlagAtBridgeRoot(t *testing.T) {
	node := newFakeDownstream(t, "noderegistries", "npmjs.org", true)
	router, _, _, _ := buildBridge(t, node)

	rec := get(router, "/?frobnicate=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOwnerOfPartitionedGroups(t *testing.T) {
	a := newFakeDownstream(t, "containerregistries", "docker.io", true)
	b := newFakeDownstream(t, "containerregistries", "ghcr.io", true)
	_, _, registry, _ := buildBridge(t, a, b)

	assert.Equal(t, a.srv.URL, registry.OwnerOf("containerregistries", "docker.io").URL())
	assert.Equal(t, b.srv.URL, registry.OwnerOf("containerregistries", "ghcr.io").URL())
	assert.NotNil(t, registry.OwnerOf("containerregistries", ""))
}
