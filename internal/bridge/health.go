package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/metrics"
)

// Monitor periodically re-probes every downstream, records transitions, and
// bumps the bridge root epoch when membership effectively changes.
type Monitor struct {
	registry    *Registry
	initializer *Initializer
	interval    time.Duration
	probe       time.Duration
	logger      *slog.Logger
}

// NewMonitor builds a health monitor.
func NewMonitor(registry *Registry, initializer *Initializer, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:    registry,
		initializer: initializer,
		interval:    cfg.Interval,
		probe:       cfg.ProbeTimeout,
		logger:      logger,
	}
}

// Run probes on a timer until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every downstream once. Health transitions bump the bridge
// root epoch so clients observe the membership change.
func (m *Monitor) ProbeAll(ctx context.Context) {
	changed := false
	for _, d := range m.registry.Downstreams() {
		healthy, err := m.probeOne(ctx, d)

		gauge := 0.0
		if healthy {
			gauge = 1
		}
		metrics.DownstreamHealthy.WithLabelValues(d.URL()).Set(gauge)

		if d.setHealth(healthy, err) {
			changed = true
			m.logger.Warn("downstream health transition",
				"url", d.URL(),
				"healthy", healthy,
				"error", err,
			)
		}

		// A reachable downstream that missed startup gets another shot at
		// initialization.
		if healthy && !d.Initialized() && m.initializer != nil {
			if err := m.initializer.probeOnce(ctx, d); err == nil {
				changed = true
				m.logger.Info("downstream initialized by health monitor", "url", d.URL())
			}
		}
	}
	if changed {
		epoch := m.registry.BumpEpoch()
		m.logger.Info("bridge membership changed", "epoch", epoch)
	}
}

func (m *Monitor) probeOne(ctx context.Context, d *Downstream) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probe)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, d.URL()+"/", nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError, nil
}

// Document is the /health response body.
type Document struct {
	Status             string   `json:"status"`
	Timestamp          string   `json:"timestamp"`
	Epoch              uint64   `json:"epoch"`
	Downstreams        []Status `json:"downstreams"`
	ConsolidatedGroups []string `json:"consolidatedGroups"`
}

// Snapshot assembles the current health document. Status is healthy when at
// least one downstream is initialized and reachable.
func (m *Monitor) Snapshot() Document {
	doc := Document{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		Epoch:              m.registry.Epoch(),
		ConsolidatedGroups: m.registry.ConsolidatedGroups(),
	}
	for _, d := range m.registry.Downstreams() {
		doc.Downstreams = append(doc.Downstreams, d.status())
	}
	if m.registry.AnyAvailable() {
		doc.Status = "healthy"
	} else {
		doc.Status = "unhealthy"
	}
	return doc
}
