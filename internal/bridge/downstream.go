// Package bridge is the aggregating front door: it initializes and watches a
// set of downstream xRegistry backends, merges their group namespaces into
// one root, and reverse-proxies group-scoped requests to the owning
// downstream.
package bridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/state"
)

// Downstream is the bridge's view of one backend: its configured URL, the
// groups it claims, its health, and the cached model/capabilities fragments
// captured at initialization.
type Downstream struct {
	cfg    config.DownstreamConfig
	client *http.Client

	mu           sync.RWMutex
	initialized  bool
	healthy      bool
	lastChecked  time.Time
	lastError    string
	model        json.RawMessage
	capabilities json.RawMessage
}

// URL returns the configured downstream base URL without a trailing slash.
func (d *Downstream) URL() string {
	return strings.TrimSuffix(d.cfg.URL, "/")
}

// Groups returns the (groupType, groupId) pairs this downstream owns.
func (d *Downstream) Groups() []config.GroupRef {
	return d.cfg.Groups
}

// Initialized reports whether startup probing succeeded for this downstream.
func (d *Downstream) Initialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized
}

// Healthy reports the last probe outcome.
func (d *Downstream) Healthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.healthy
}

// Available reports whether the downstream can serve proxied traffic.
func (d *Downstream) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized && d.healthy
}

func (d *Downstream) setInitialized(capabilities, model json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = true
	d.healthy = true
	d.lastError = ""
	d.lastChecked = time.Now()
	d.capabilities = capabilities
	d.model = model
}

// setHealth records a probe outcome; the bool reports whether the healthy
// state transitioned.
func (d *Downstream) setHealth(healthy bool, probeErr error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := d.healthy != healthy
	d.healthy = healthy
	d.lastChecked = time.Now()
	if probeErr != nil {
		d.lastError = probeErr.Error()
	} else {
		d.lastError = ""
	}
	return changed
}

// ModelFragment returns the cached /model document.
func (d *Downstream) ModelFragment() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model
}

// CapabilitiesFragment returns the cached /capabilities document.
func (d *Downstream) CapabilitiesFragment() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.capabilities
}

// Status is one downstream's row in the health document.
type Status struct {
	URL         string             `json:"url"`
	Healthy     bool               `json:"healthy"`
	Initialized bool               `json:"initialized"`
	LastChecked time.Time          `json:"lastChecked"`
	Error       string             `json:"error,omitempty"`
	Groups      []config.GroupRef  `json:"groups"`
}

func (d *Downstream) status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{
		URL:         d.URL(),
		Healthy:     d.healthy,
		Initialized: d.initialized,
		LastChecked: d.lastChecked,
		Error:       d.lastError,
		Groups:      d.cfg.Groups,
	}
}

// Registry is the process-wide downstream table plus the bridge's own
// entity state (the root epoch lives at path "/"). Handlers receive it by
// injection; there are no package-level globals.
type Registry struct {
	downstreams []*Downstream
	byGroupType map[string]*Downstream
	byGroup     map[string]*Downstream
	state       *state.Manager
}

// NewRegistry builds the routing table. Group ownership conflicts were
// rejected at config validation; a duplicate here is a programming error.
func NewRegistry(cfgs []config.DownstreamConfig, st *state.Manager, client *http.Client) *Registry {
	if st == nil {
		st = state.NewManager()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	r := &Registry{
		byGroupType: make(map[string]*Downstream),
		byGroup:     make(map[string]*Downstream),
		state:       st,
	}
	for _, cfg := range cfgs {
		d := &Downstream{cfg: cfg, client: client}
		r.downstreams = append(r.downstreams, d)
		for _, g := range cfg.Groups {
			r.byGroup[g.Type+"/"+g.ID] = d
			if _, taken := r.byGroupType[g.Type]; !taken {
				r.byGroupType[g.Type] = d
			}
		}
	}
	return r
}

// Downstreams returns all registered downstreams.
func (r *Registry) Downstreams() []*Downstream {
	return r.downstreams
}

// OwnerOf resolves the downstream owning a path's group scope. The groupID
// is consulted first so partitioned group types route precisely; a bare
// group-type lookup falls back to the type owner.
func (r *Registry) OwnerOf(groupType, groupID string) *Downstream {
	if groupID != "" {
		if d, ok := r.byGroup[groupType+"/"+groupID]; ok {
			return d
		}
	}
	return r.byGroupType[groupType]
}

// KnowsGroupType reports whether any downstream claims the group type.
func (r *Registry) KnowsGroupType(groupType string) bool {
	_, ok := r.byGroupType[groupType]
	return ok
}

// Epoch returns the bridge root epoch.
func (r *Registry) Epoch() uint64 {
	return r.state.Epoch("/")
}

// BumpEpoch increments the bridge root epoch; called on downstream
// membership or health transitions.
func (r *Registry) BumpEpoch() uint64 {
	return r.state.IncrementEpoch("/")
}

// State exposes the entity state manager for root timestamps.
func (r *Registry) State() *state.Manager {
	return r.state
}

// AnyAvailable reports whether at least one downstream can serve traffic.
func (r *Registry) AnyAvailable() bool {
	for _, d := range r.downstreams {
		if d.Available() {
			return true
		}
	}
	return false
}

// ConsolidatedGroups lists every (groupType, groupId) pair across available
// downstreams, as "type/id" strings.
func (r *Registry) ConsolidatedGroups() []string {
	var out []string
	for _, d := range r.downstreams {
		if !d.Available() {
			continue
		}
		for _, g := range d.Groups() {
			out = append(out, g.Type+"/"+g.ID)
		}
	}
	return out
}
