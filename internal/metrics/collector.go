// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
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

// Snapshot represents the full pipeline statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Search        *OperationSnapshot `json:"search,omitempty"`
	SearchP95Ms   float64            `json:"search_p95_ms"`
	EmbedBatch    *OperationSnapshot `json:"embed_batch,omitempty"`
	IndexBuild    *OperationSnapshot `json:"index_build,omitempty"`
	Validation    *OperationSnapshot `json:"validation,omitempty"`
	Promotion     *OperationSnapshot `json:"promotion,omitempty"`
}

// Operation names for the collector.
const (
	OpSearch     = "search"
	OpEmbedBatch = "embed_batch"
	OpIndexBuild = "index_build"
	OpValidation = "validation"
	OpPromotion  = "promotion"
)

// searchWindowSize bounds the sliding window used for the search
// latency percentile.
const searchWindowSize = 1024

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics

	// Ring buffer of recent search latencies for the p95 estimate.
	searchWindow []time.Duration
	searchNext   int
	searchFilled bool
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:    time.Now(),
		ops:          make(map[string]*OperationMetrics),
		searchWindow: make([]time.Duration, searchWindowSize),
	}
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

	if op == OpSearch {
		c.searchWindow[c.searchNext] = duration
		c.searchNext++
		if c.searchNext == len(c.searchWindow) {
			c.searchNext = 0
			c.searchFilled = true
		}
	}
}

// SearchP95 returns the 95th percentile search latency over the recent
// window, or zero when no searches were recorded.
func (c *Collector) SearchP95() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.searchP95Locked()
}

func (c *Collector) searchP95Locked() time.Duration {
	n := c.searchNext
	if c.searchFilled {
		n = len(c.searchWindow)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, c.searchWindow[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Search:        snapshotOp(c.ops[OpSearch]),
		SearchP95Ms:   float64(c.searchP95Locked().Microseconds()) / 1000,
		EmbedBatch:    snapshotOp(c.ops[OpEmbedBatch]),
		IndexBuild:    snapshotOp(c.ops[OpIndexBuild]),
		Validation:    snapshotOp(c.ops[OpValidation]),
		Promotion:     snapshotOp(c.ops[OpPromotion]),
	}
}
