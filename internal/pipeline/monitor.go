package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
)

// MigrationSignal is the advisory emitted when the flat index outgrows
// its capacity ceilings. Switching the index family stays a manual
// configuration change.
type MigrationSignal struct {
	Reason      string        `json:"reason"`
	VectorCount int           `json:"vector_count"`
	SearchP95   time.Duration `json:"search_p95"`
	MemoryBytes int64         `json:"memory_bytes"`
	SearchFrac  float64       `json:"search_fraction"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Alert records a terminal task failure for the admin projection.
type Alert struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// maxAlerts bounds the retained alert history.
const maxAlerts = 100

// Monitor periodically measures index capacity and raises migration
// signals when a ceiling is crossed. It also collects terminal task
// failures and expires stalled generation barriers.
type Monitor struct {
	registry *Registry
	holder   *Holder
	metrics  *metrics.Collector

	// Ceilings. A zero value disables that check.
	MaxVectors    int
	MaxSearchP95  time.Duration
	MaxSearchFrac float64

	// Interval is the measurement cadence. Defaults to 1m.
	Interval time.Duration

	// SignalFunc, when set, receives each migration signal.
	SignalFunc func(MigrationSignal)

	mu            sync.Mutex
	lastSignal    *MigrationSignal
	alerts        []Alert
	lastSearchSum time.Duration
	lastMeasured  time.Time
}

// NewMonitor creates a capacity monitor with the default ceilings.
func NewMonitor(registry *Registry, holder *Holder, m *metrics.Collector) *Monitor {
	return &Monitor{
		registry:      registry,
		holder:        holder,
		metrics:       m,
		MaxVectors:    500_000,
		MaxSearchP95:  100 * time.Millisecond,
		MaxSearchFrac: 0.5,
		Interval:      time.Minute,
	}
}

// Start runs the measurement loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.registry.ExpireBarriers(ctx)
				m.measure()
			}
		}
	}()
}

func (m *Monitor) measure() {
	vectors := m.holder.VectorCount()
	if vectors == 0 {
		return
	}
	p95 := m.metrics.SearchP95()
	memory := int64(vectors) * int64(m.holder.Dimension()) * 4
	frac := m.searchFraction()

	var reason string
	switch {
	case m.MaxVectors > 0 && vectors > m.MaxVectors:
		reason = "vector count over ceiling"
	case m.MaxSearchP95 > 0 && p95 > m.MaxSearchP95:
		reason = "search p95 over ceiling"
	case m.MaxSearchFrac > 0 && frac > m.MaxSearchFrac:
		reason = "search fraction over ceiling"
	default:
		return
	}

	signal := MigrationSignal{
		Reason:      reason,
		VectorCount: vectors,
		SearchP95:   p95,
		MemoryBytes: memory,
		SearchFrac:  frac,
		Timestamp:   time.Now().UTC(),
	}
	m.mu.Lock()
	m.lastSignal = &signal
	m.mu.Unlock()

	slog.Warn("migration signal", "reason", reason, "vectors", vectors,
		"search_p95", p95, "memory_bytes", memory, "search_fraction", frac)
	if m.SignalFunc != nil {
		m.SignalFunc(signal)
	}
}

// searchFraction is the share of wall time spent searching since the
// previous measurement.
func (m *Monitor) searchFraction() float64 {
	snap := m.metrics.Snapshot()
	var total time.Duration
	if snap.Search != nil {
		total = time.Duration(snap.Search.TotalTimeMs) * time.Millisecond
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	defer func() {
		m.lastSearchSum = total
		m.lastMeasured = now
	}()
	if m.lastMeasured.IsZero() {
		return 0
	}
	elapsed := now.Sub(m.lastMeasured)
	if elapsed <= 0 {
		return 0
	}
	return float64(total-m.lastSearchSum) / float64(elapsed)
}

// RecordTerminalFailure is the broker's terminal-failure hook.
func (m *Monitor) RecordTerminalFailure(task *models.Task, reason string) {
	alert := Alert{
		TaskID:    task.ID,
		TaskType:  task.Type,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	m.mu.Unlock()
}

// LastSignal returns the most recent migration signal, nil when none.
func (m *Monitor) LastSignal() *MigrationSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSignal == nil {
		return nil
	}
	signal := *m.lastSignal
	return &signal
}

// Alerts returns the retained terminal-failure alerts, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
