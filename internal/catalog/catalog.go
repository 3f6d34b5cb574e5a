// Package catalog maintains the complete set of package identifiers for one
// upstream so prefix and wildcard listings never require a full upstream
// enumeration per request. The live index is an immutable sorted snapshot
// published by atomic pointer swap; a sqlite projection makes it durable
// across restarts.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitaliisemenov/xregistry-bridge/internal/metrics"
	"github.com/vitaliisemenov/xregistry-bridge/internal/upstream"
)

// Normalizer maps a raw identifier to the form used for matching. Upstreams
// that are case-insensitive (npm scopes, NuGet) fold case here; PyPI applies
// PEP 503; Maven coordinates pass through.
type Normalizer func(string) string

// Identity returns the name unchanged.
func Identity(name string) string { return name }

// snapshot is an immutable view of the catalog. norm holds the normalized
// forms in sorted order; raw holds the original identifiers in the same order.
type snapshot struct {
	raw    []string
	norm   []string
	cursor string
}

// Catalog is the durable, incrementally refreshed name index for one
// backend.
type Catalog struct {
	name      string
	adapter   upstream.Adapter
	store     *Store
	normalize Normalizer
	logger    *slog.Logger

	snap atomic.Pointer[snapshot]

	// refreshMu serialises refreshes; readers never take it.
	refreshMu sync.Mutex
}

// Options configures a catalog instance.
type Options struct {
	// Name labels this catalog in logs and metrics.
	Name      string
	Adapter   upstream.Adapter
	Store     *Store
	Normalize Normalizer
	Logger    *slog.Logger
}

// New creates a catalog and loads the durable snapshot, if one exists.
func New(opts Options) (*Catalog, error) {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Normalize == nil {
		if opts.Adapter != nil {
			opts.Normalize = opts.Adapter.Normalize
		} else {
			opts.Normalize = Identity
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Catalog{
		name:      opts.Name,
		adapter:   opts.Adapter,
		store:     opts.Store,
		normalize: opts.Normalize,
		logger:    opts.Logger,
	}

	names, cursor := []string(nil), ""
	if c.store != nil {
		var err error
		names, cursor, err = c.store.Load(context.Background())
		if err != nil {
			return nil, err
		}
	}
	c.snap.Store(c.build(names, cursor))
	return c, nil
}

// build sorts names by their normalized form and packages them as a
// snapshot.
func (c *Catalog) build(names []string, cursor string) *snapshot {
	raw := make([]string, len(names))
	copy(raw, names)
	sort.Slice(raw, func(i, j int) bool {
		return c.normalize(raw[i]) < c.normalize(raw[j])
	})
	norm := make([]string, len(raw))
	for i, n := range raw {
		norm[i] = c.normalize(n)
	}
	return &snapshot{raw: raw, norm: norm, cursor: cursor}
}

// Len returns the number of names in the live snapshot.
func (c *Catalog) Len() int {
	return len(c.snap.Load().raw)
}

// Cursor returns the incremental-refresh cursor of the live snapshot.
func (c *Catalog) Cursor() string {
	return c.snap.Load().cursor
}

// Exists reports whether name is in the catalog, after normalization.
func (c *Catalog) Exists(name string) bool {
	s := c.snap.Load()
	want := c.normalize(name)
	i := sort.SearchStrings(s.norm, want)
	return i < len(s.norm) && s.norm[i] == want
}

// List returns the window [offset, offset+limit) of names matching pred (in
// normalized sort order) and the total match count. A nil pred matches
// everything. limit < 0 means no limit.
func (c *Catalog) List(offset, limit int, pred func(string) bool) ([]string, int) {
	s := c.snap.Load()

	var out []string
	total := 0
	for _, name := range s.raw {
		if pred != nil && !pred(name) {
			continue
		}
		if total >= offset && (limit < 0 || len(out) < limit) {
			out = append(out, name)
		}
		total++
	}
	return out, total
}

// All returns every name in normalized sort order. The returned slice is
// shared with the snapshot and must not be mutated.
func (c *Catalog) All() []string {
	return c.snap.Load().raw
}

// Refresh updates the catalog from the upstream. Bootstrap mode (no cursor)
// walks the full index; incremental mode consumes the adapter's cursor. An
// unchanged cursor is a no-op. Failure leaves the previous snapshot serving
// and is reported to the caller for logging only.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.snap.Load()
	delta, err := c.adapter.ListNames(ctx, current.cursor)
	if err != nil {
		metrics.CatalogRefreshTotal.WithLabelValues(c.name, "error").Inc()
		return err
	}
	if delta.Unchanged {
		metrics.CatalogRefreshTotal.WithLabelValues(c.name, "unchanged").Inc()
		return nil
	}

	var names []string
	if delta.Full {
		names = delta.Names
	} else {
		names = applyDelta(current.raw, delta, c.normalize)
	}

	next := c.build(names, delta.Cursor)
	if c.store != nil {
		if err := c.store.Save(ctx, next.raw, next.cursor); err != nil {
			metrics.CatalogRefreshTotal.WithLabelValues(c.name, "error").Inc()
			return err
		}
	}
	c.snap.Store(next)
	metrics.CatalogRefreshTotal.WithLabelValues(c.name, "refreshed").Inc()
	metrics.CatalogNames.WithLabelValues(c.name).Set(float64(len(next.raw)))
	c.logger.Info("catalog refreshed",
		"names", len(next.raw),
		"cursor", next.cursor,
		"full", delta.Full,
	)
	return nil
}

// applyDelta merges an incremental delta into the current name set. Names
// are only removed on an explicit upstream tombstone.
func applyDelta(current []string, delta *upstream.NameDelta, normalize Normalizer) []string {
	set := make(map[string]string, len(current)+len(delta.Names))
	for _, n := range current {
		set[normalize(n)] = n
	}
	for _, n := range delta.Names {
		set[normalize(n)] = n
	}
	for _, n := range delta.Deleted {
		delete(set, normalize(n))
	}
	out := make([]string, 0, len(set))
	for _, n := range set {
		out = append(out, n)
	}
	return out
}

// StartRefresher refreshes on a timer until ctx is cancelled. Refresh
// failures are logged and non-fatal.
func (c *Catalog) StartRefresher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Error("catalog refresh failed, serving last snapshot", "error", err)
				}
			}
		}
	}()
}
