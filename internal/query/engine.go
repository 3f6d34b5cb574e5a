package query

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vitaliisemenov/xregistry-bridge/internal/catalog"
	"github.com/vitaliisemenov/xregistry-bridge/internal/metrics"
	"github.com/vitaliisemenov/xregistry-bridge/internal/resilience"
	"github.com/vitaliisemenov/xregistry-bridge/internal/upstream"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// Budget bounds the enrichment half of the two-step filter.
type Budget struct {
	// MaxMetadataFetches caps upstream metadata fetches per request.
	MaxMetadataFetches int

	// Parallelism caps concurrent fetches within one request.
	Parallelism int
}

// Options configures an Engine.
type Options struct {
	Budget          Budget
	FilterCacheSize int
	FilterCacheTTL  time.Duration
	EntityCacheSize int
	EntityCacheTTL  time.Duration

	// GlobalFetches caps concurrent upstream fetches across all requests.
	// Nil means unbounded.
	GlobalFetches *semaphore.Weighted

	Logger *slog.Logger
}

// Engine applies parsed query flags against a name catalog, enriching
// candidates through the upstream adapter under a fetch budget.
type Engine struct {
	budget      Budget
	filterCache *expirable.LRU[string, []string]
	entityCache *expirable.LRU[string, *upstream.Package]
	global      *semaphore.Weighted
	logger      *slog.Logger
}

// Item is one result row. Pkg is nil when the pipeline never needed the
// package metadata (name-only filters, name sort).
type Item struct {
	Name string
	Pkg  *upstream.Package
}

// Page is one result window plus pagination facts.
type Page struct {
	Items []Item

	// Total is the filtered-set size. When enrichment ran out of budget
	// before the candidate walk finished, Total covers only the walked
	// prefix and HasMore is set.
	Total   int
	HasMore bool
}

// NewEngine creates a query engine.
func NewEngine(opts Options) *Engine {
	if opts.Budget.MaxMetadataFetches <= 0 {
		opts.Budget.MaxMetadataFetches = 30
	}
	if opts.Budget.Parallelism <= 0 {
		opts.Budget.Parallelism = 8
	}
	if opts.FilterCacheSize <= 0 {
		opts.FilterCacheSize = 2000
	}
	if opts.FilterCacheTTL <= 0 {
		opts.FilterCacheTTL = 10 * time.Minute
	}
	if opts.EntityCacheSize <= 0 {
		opts.EntityCacheSize = 2000
	}
	if opts.EntityCacheTTL <= 0 {
		opts.EntityCacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		budget:      opts.Budget,
		filterCache: expirable.NewLRU[string, []string](opts.FilterCacheSize, nil, opts.FilterCacheTTL),
		entityCache: expirable.NewLRU[string, *upstream.Package](opts.EntityCacheSize, nil, opts.EntityCacheTTL),
		global:      opts.GlobalFetches,
		logger:      opts.Logger,
	}
}

// isNameAttr reports whether attr is one the catalog itself can answer
// without an upstream fetch.
func isNameAttr(attr string) bool {
	return attr == "name" || attr == "packageid"
}

// Resources runs the two-step pipeline: cheap prefilter against the catalog,
// bounded enrichment, postfilter, sort, page.
func (e *Engine) Resources(ctx context.Context, cat *catalog.Catalog, adapter upstream.Adapter, flags *Flags) (*Page, error) {
	nameClauses, enrichClauses := splitClauses(flags.Filters)
	needEnrich := len(enrichClauses) > 0 ||
		(flags.Sort != nil && !isNameAttr(flags.Sort.Attr))

	candidates := e.prefilter(ctx, cat, adapter, flags, nameClauses)

	if !needEnrich {
		return pageNames(candidates, flags), nil
	}
	return e.enrichAndPage(ctx, adapter, candidates, enrichClauses, flags)
}

func splitClauses(filters []Filter) (name, enrich []Filter) {
	for _, f := range filters {
		if isNameAttr(f.Attr) {
			name = append(name, f)
		} else {
			enrich = append(enrich, f)
		}
	}
	return name, enrich
}

// prefilter produces the deterministic candidate list: catalog names passing
// every name-only clause, optionally narrowed by the upstream's search
// service, cached by the normalised filter tuple.
func (e *Engine) prefilter(ctx context.Context, cat *catalog.Catalog, adapter upstream.Adapter, flags *Flags, nameClauses []Filter) []string {
	key := flags.CacheKey()
	if key != "" {
		if cached, ok := e.filterCache.Get(key); ok {
			return cached
		}
	}

	pred := func(name string) bool {
		for _, c := range nameClauses {
			if !c.Matches(name) {
				return false
			}
		}
		return true
	}

	var candidates []string
	if narrowed, ok := e.searchNarrow(ctx, cat, adapter, nameClauses); ok {
		for _, n := range narrowed {
			if pred(n) {
				candidates = append(candidates, n)
			}
		}
		sort.Strings(candidates)
	} else {
		candidates, _ = cat.List(0, -1, pred)
	}

	if key != "" {
		e.filterCache.Add(key, candidates)
	}
	return candidates
}

// searchNarrow asks the upstream's search service for a narrowed candidate
// set when a positive name clause gives it something to search for. Search
// failures fall back to the full catalog silently.
func (e *Engine) searchNarrow(ctx context.Context, cat *catalog.Catalog, adapter upstream.Adapter, nameClauses []Filter) ([]string, bool) {
	if adapter == nil {
		return nil, false
	}
	for _, c := range nameClauses {
		if c.Op != OpEq {
			continue
		}
		term := stripWildcards(c.Value)
		if term == "" {
			continue
		}
		names, ok, err := adapter.Search(ctx, term)
		if err != nil || !ok {
			return nil, false
		}
		// Search results not present in the catalog are phantoms; drop them.
		kept := names[:0]
		for _, n := range names {
			if cat.Exists(n) {
				kept = append(kept, n)
			}
		}
		return kept, true
	}
	return nil, false
}

func stripWildcards(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '*' {
			out = append(out, v[i])
		}
	}
	return string(out)
}

// pageNames pages a name-only result, sorting by name when asked.
func pageNames(candidates []string, flags *Flags) *Page {
	names := candidates
	if flags.Sort != nil && flags.Sort.Descending {
		names = make([]string, len(candidates))
		copy(names, candidates)
		sort.SliceStable(names, func(i, j int) bool {
			return foldCompare(names[i], names[j]) > 0
		})
	}

	total := len(names)
	page := &Page{Total: total}
	start := flags.Offset
	if start > total {
		start = total
	}
	end := start + flags.Limit
	if end > total {
		end = total
	}
	for _, n := range names[start:end] {
		page.Items = append(page.Items, Item{Name: n})
	}
	page.HasMore = end < total
	return page
}

// enrichAndPage walks candidates in deterministic order, fetching package
// metadata under the budget, then postfilters, sorts, and pages.
func (e *Engine) enrichAndPage(ctx context.Context, adapter upstream.Adapter, candidates []string, enrichClauses []Filter, flags *Flags) (*Page, error) {
	walk := candidates
	budgetExhausted := false
	if len(walk) > e.budget.MaxMetadataFetches {
		walk = walk[:e.budget.MaxMetadataFetches]
		budgetExhausted = true
	}

	enriched := make([]*upstream.Package, len(walk))
	var (
		errMu    sync.Mutex
		fetchErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.budget.Parallelism)
	for i, name := range walk {
		g.Go(func() error {
			pkg, err := e.fetch(gctx, adapter, name)
			if err != nil {
				// Remembered, not fatal: a partial page may still satisfy
				// the request.
				errMu.Lock()
				if fetchErr == nil {
					fetchErr = err
				}
				errMu.Unlock()
				return nil
			}
			enriched[i] = pkg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, resilience.ClassifyTransport(err)
	}

	var matched []Item
	for i, pkg := range enriched {
		if pkg == nil {
			continue
		}
		if matchesAll(pkg, enrichClauses) {
			matched = append(matched, Item{Name: walk[i], Pkg: pkg})
		}
	}

	sortItems(matched, flags.Sort)

	total := len(matched)
	start := flags.Offset
	if start > total {
		start = total
	}
	end := start + flags.Limit
	if end > total {
		end = total
	}

	// The page could not be filled and enrichment failed or ran dry with no
	// partial answer to give.
	if end-start == 0 && flags.Offset == 0 && fetchErr != nil {
		return nil, resilience.ClassifyTransport(fetchErr)
	}
	if end-start < flags.Limit && budgetExhausted && total == 0 {
		return nil, xregistry.NewProblem(xregistry.CodeServiceUnavailable,
			"metadata fetch budget exhausted before any candidate matched")
	}

	page := &Page{
		Items:   matched[start:end],
		Total:   total,
		HasMore: end < total || budgetExhausted,
	}
	return page, nil
}

// fetch resolves one package through the entity cache, the global fetch
// semaphore, and the adapter.
func (e *Engine) fetch(ctx context.Context, adapter upstream.Adapter, name string) (*upstream.Package, error) {
	if pkg, ok := e.entityCache.Get(name); ok {
		return pkg, nil
	}

	if e.global != nil {
		if err := e.global.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.global.Release(1)
	}

	pkg, err := adapter.Get(ctx, name)
	if err != nil {
		metrics.EnrichmentFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EnrichmentFetches.WithLabelValues("ok").Inc()
	e.entityCache.Add(name, pkg)
	return pkg, nil
}

func matchesAll(pkg *upstream.Package, clauses []Filter) bool {
	for _, c := range clauses {
		value, present := pkg.Attr(c.Attr)
		if !present {
			// A missing attribute satisfies only != clauses.
			if c.Op == OpNe {
				continue
			}
			return false
		}
		if !c.Matches(value) {
			return false
		}
	}
	return true
}

// sortItems orders matched items by the sort key with a stable tie-break on
// name (the xid suffix). Missing attributes sort last ascending, first
// descending.
func sortItems(items []Item, s *Sort) {
	if s == nil {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		less := itemLess(items[i], items[j], s.Attr)
		if less == 0 {
			return foldCompare(items[i].Name, items[j].Name) < 0
		}
		if s.Descending {
			return less > 0
		}
		return less < 0
	})
}

// itemLess compares two items on attr: -1, 0, 1, with missing attributes
// ordered after present ones (the descending flip puts them first).
func itemLess(a, b Item, attr string) int {
	av, aok := attrOf(a, attr)
	bv, bok := attrOf(b, attr)
	switch {
	case aok && !bok:
		return -1
	case !aok && bok:
		return 1
	case !aok && !bok:
		return 0
	}
	return compareAttr(av, bv)
}

func attrOf(it Item, attr string) (string, bool) {
	if isNameAttr(attr) {
		return it.Name, true
	}
	if it.Pkg == nil {
		return "", false
	}
	return it.Pkg.Attr(attr)
}
