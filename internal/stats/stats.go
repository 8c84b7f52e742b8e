package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/szibis/trace-governor/internal/cardinality"
	"github.com/szibis/trace-governor/internal/logging"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// serviceNameKey is the OTLP resource attribute identifying the service.
const serviceNameKey = "service.name"

// unknownService groups spans whose resource carries no service name.
const unknownService = "unknown"

// Config holds the stats collector configuration.
type Config struct {
	// Cardinality sizes the per-service Bloom trackers.
	Cardinality cardinality.Config
	// HLLThreshold is the distinct-trace count at which trackers degrade to
	// HyperLogLog. Zero keeps Bloom mode.
	HLLThreshold int64
}

// Collector tracks span volume and distinct trace counts per service.
type Collector struct {
	mu sync.RWMutex

	cfg Config

	// Per-service stats: service.name -> ServiceStats
	serviceStats map[string]*ServiceStats

	// Distinct trace IDs across all services
	traces *cardinality.HybridTracker

	totalSpans   uint64
	totalBatches uint64
}

// ServiceStats holds span stats for a single service.
type ServiceStats struct {
	Name  string
	Spans uint64
	// Distinct traces touching this service
	traces *cardinality.HybridTracker
}

// GlobalSnapshot is a point-in-time view of the collector's totals.
type GlobalSnapshot struct {
	TotalSpans     uint64
	TotalBatches   uint64
	Services       int
	DistinctTraces int64
}

// ServiceSnapshot is a point-in-time view of one service's stats.
type ServiceSnapshot struct {
	Name           string
	Spans          uint64
	DistinctTraces int64
}

// NewCollector creates a stats collector.
func NewCollector(cfg Config) *Collector {
	if cfg.Cardinality.ExpectedItems == 0 {
		cfg.Cardinality = cardinality.DefaultConfig()
	}
	return &Collector{
		cfg:          cfg,
		serviceStats: make(map[string]*ServiceStats),
		traces:       cardinality.NewHybridTracker(cfg.Cardinality, cfg.HLLThreshold),
	}
}

// Record processes an incoming batch and updates per-service stats.
func (c *Collector) Record(records []*tracepb.ResourceSpans) {
	if len(records) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalBatches++

	for _, rs := range records {
		service := serviceName(rs.GetResource().GetAttributes())

		ss, ok := c.serviceStats[service]
		if !ok {
			ss = &ServiceStats{
				Name:   service,
				traces: cardinality.NewHybridTracker(c.cfg.Cardinality, c.cfg.HLLThreshold),
			}
			c.serviceStats[service] = ss
		}

		for _, scope := range rs.GetScopeSpans() {
			for _, span := range scope.GetSpans() {
				c.totalSpans++
				ss.Spans++
				if id := span.GetTraceId(); len(id) > 0 {
					c.traces.Observe(id)
					ss.traces.Observe(id)
				}
			}
		}
	}
}

// Snapshot returns the collector's global totals.
func (c *Collector) Snapshot() GlobalSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return GlobalSnapshot{
		TotalSpans:     c.totalSpans,
		TotalBatches:   c.totalBatches,
		Services:       len(c.serviceStats),
		DistinctTraces: c.traces.Count(),
	}
}

// TopServices returns up to n services ordered by span count descending.
func (c *Collector) TopServices(n int) []ServiceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshots := make([]ServiceSnapshot, 0, len(c.serviceStats))
	for _, ss := range c.serviceStats {
		snapshots = append(snapshots, ServiceSnapshot{
			Name:           ss.Name,
			Spans:          ss.Spans,
			DistinctTraces: ss.traces.Count(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Spans != snapshots[j].Spans {
			return snapshots[i].Spans > snapshots[j].Spans
		}
		return snapshots[i].Name < snapshots[j].Name
	})

	if n > 0 && len(snapshots) > n {
		snapshots = snapshots[:n]
	}
	return snapshots
}

// StartPeriodicLogging logs global stats every interval until the context is
// canceled. Cardinality trackers are reset every 60s to bound memory.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	resetTicker := time.NewTicker(60 * time.Second)
	defer resetTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.Snapshot()
			logging.Info("stats", logging.F(
				"spans_total", snap.TotalSpans,
				"batches_total", snap.TotalBatches,
				"services", snap.Services,
				"distinct_traces", snap.DistinctTraces,
			))
		case <-resetTicker.C:
			c.ResetCardinality()
		}
	}
}

// ResetCardinality clears distinct-trace tracking while keeping span counts.
// An oversized service map is recreated entirely to release memory.
func (c *Collector) ResetCardinality() {
	c.mu.Lock()
	defer c.mu.Unlock()

	const maxServices = 10000

	c.traces.Reset()

	if len(c.serviceStats) > maxServices {
		previous := len(c.serviceStats)
		c.serviceStats = make(map[string]*ServiceStats)
		logging.Info("service stats map reset due to size", logging.F("previous_size", previous))
		return
	}
	for _, ss := range c.serviceStats {
		ss.traces.Reset()
	}
}

// serviceName extracts service.name from resource attributes.
func serviceName(attrs []*commonpb.KeyValue) string {
	for _, kv := range attrs {
		if kv.GetKey() == serviceNameKey {
			if v := kv.GetValue().GetStringValue(); v != "" {
				return v
			}
		}
	}
	return unknownService
}
