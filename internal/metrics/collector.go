// Package metrics provides runtime statistics for lock, ledger and dispatch
// operations, kept in memory for quick snapshots and exported to prometheus.
package metrics

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Operations    map[string]OperationSnapshot `json:"operations"`
	Outcomes      map[string]int64             `json:"outcomes"`
}

// Operation names for the collector.
const (
	OpLock          = "lock"
	OpUnlock        = "unlock"
	OpLedgerSave    = "ledger_save"
	OpLedgerQuery   = "ledger_query"
	OpFlatten       = "flatten"
	OpConflictCheck = "conflict_check"
	OpPublish       = "publish"
	OpDispatch      = "dispatch"
	OpDBQuery       = "db_query"
)

// Collector aggregates runtime statistics.
// All methods are thread-safe and safe to call on a nil *Collector.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	outcomes  map[string]int64

	registry *prometheus.Registry
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
}

// NewCollector creates a new metrics collector with its own prometheus
// registry, so several collectors can coexist in one process.
func NewCollector() *Collector {
	c := &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		outcomes:  make(map[string]int64),
		registry:  prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataops_operation_duration_seconds",
			Help:    "Duration of coordinator operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataops_dispatch_results_total",
			Help: "Batch dispatch results by outcome",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(c.duration, c.results)
	return c
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.duration.WithLabelValues(op).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordOutcome counts a dispatch result kind (accepted, conflict, ...).
func (c *Collector) RecordOutcome(outcome string) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	c.outcomes[outcome]++
	c.mu.Unlock()
}

func snapshotOp(m *OperationMetrics) OperationSnapshot {
	return OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]OperationSnapshot, len(c.ops)),
		Outcomes:      make(map[string]int64, len(c.outcomes)),
	}
	for op, m := range c.ops {
		if m.Count > 0 {
			snap.Operations[op] = snapshotOp(m)
		}
	}
	for k, v := range c.outcomes {
		snap.Outcomes[k] = v
	}
	return snap
}

// Handler serves the prometheus exposition format for this collector.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
