package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/metrics"
	"github.com/vitaliisemenov/xregistry-bridge/internal/resilience"
)

// ErrNoDownstreams is returned when the startup budget expires with zero
// initialized downstreams; the process exits non-zero on it.
var ErrNoDownstreams = errors.New("no downstream initialized within the startup budget")

// Initializer probes every downstream in parallel with exponential backoff
// until each succeeds or the total budget expires. It is idempotent and
// re-entrant: already-initialized downstreams are skipped, so the health
// monitor reuses it to revive downstreams that missed startup.
type Initializer struct {
	registry *Registry
	budget   time.Duration
	probe    time.Duration
	policy   *resilience.Policy
	logger   *slog.Logger
}

// NewInitializer builds an initializer from the init config section.
func NewInitializer(registry *Registry, cfg config.InitConfig, logger *slog.Logger) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initializer{
		registry: registry,
		budget:   cfg.Timeout,
		probe:    cfg.ProbeTimeout,
		policy: &resilience.Policy{
			InitialDelay: cfg.RetryInitial,
			MaxDelay:     cfg.RetryMax,
			Factor:       cfg.BackoffFactor,
			Jitter:       true,
			Logger:       logger,
		},
		logger: logger,
	}
}

// Run probes all uninitialized downstreams until the budget expires. It
// returns ErrNoDownstreams only when nothing at all is serving afterwards;
// partial availability is a normal outcome.
func (i *Initializer) Run(ctx context.Context) error {
	budgetCtx, cancel := context.WithTimeout(ctx, i.budget)
	defer cancel()

	g, gctx := errgroup.WithContext(budgetCtx)
	for _, d := range i.registry.Downstreams() {
		if d.Initialized() {
			continue
		}
		g.Go(func() error {
			err := resilience.Retry(gctx, i.policy, "initialize "+d.URL(), func(ctx context.Context) error {
				return i.probeOnce(ctx, d)
			})
			if err != nil {
				i.logger.Error("downstream did not initialize within budget",
					"url", d.URL(),
					"error", err,
				)
				metrics.InitializerOutcomes.WithLabelValues(d.URL(), "failed").Inc()
				return nil
			}
			i.logger.Info("downstream initialized", "url", d.URL(), "groups", len(d.Groups()))
			metrics.InitializerOutcomes.WithLabelValues(d.URL(), "initialized").Inc()
			return nil
		})
	}
	_ = g.Wait()

	if !i.registry.AnyAvailable() {
		return ErrNoDownstreams
	}
	return nil
}

// probeOnce performs one initialization attempt: fetch /capabilities (with
// /model as the fallback probe target), then cache both fragments.
func (i *Initializer) probeOnce(ctx context.Context, d *Downstream) error {
	attemptCtx, cancel := context.WithTimeout(ctx, i.probe)
	defer cancel()

	capabilities, err := i.fetch(attemptCtx, d, "/capabilities")
	if err != nil {
		// Some backends serve /model before /capabilities; either proves
		// the backend speaks xRegistry.
		if _, modelErr := i.fetch(attemptCtx, d, "/model"); modelErr != nil {
			return err
		}
	}
	model, err := i.fetch(attemptCtx, d, "/model")
	if err != nil {
		model = nil
	}

	d.setInitialized(capabilities, model)
	return nil
}

func (i *Initializer) fetch(ctx context.Context, d *Downstream, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL()+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s%s: status %d", d.URL(), path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
