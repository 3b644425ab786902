package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// CapacityStats is the storage snapshot recorded by each cleanup run.
type CapacityStats struct {
	LiveVectors   int       `json:"live_vectors"`
	IndexVersions int       `json:"index_versions"`
	StorageBytes  int64     `json:"storage_bytes"`
	MeasuredAt    time.Time `json:"measured_at"`
}

// Maintenance runs the cleanup task: retired index versions past the
// grace period are deleted, batches of failed generations are collected
// and stale generation records pruned. The current pointer target is
// never touched.
type Maintenance struct {
	registry *Registry
	store    store.Store

	// RetiredGrace is how long retired versions stay available for
	// rollback. Defaults to 24h.
	RetiredGrace time.Duration

	mu    sync.Mutex
	stats *CapacityStats
}

// NewMaintenance creates the maintenance handler.
func NewMaintenance(registry *Registry, s store.Store) *Maintenance {
	return &Maintenance{
		registry:     registry,
		store:        s,
		RetiredGrace: 24 * time.Hour,
	}
}

// HandleCleanup is the task handler for cleanup tasks.
func (m *Maintenance) HandleCleanup(ctx context.Context, _ *models.Task) error {
	current, err := m.store.Pointer(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return broker.Retryable(fmt.Errorf("read pointer: %w", err))
	}

	deletedVersions, err := m.sweepVersions(ctx, current)
	if err != nil {
		return err
	}
	collected, err := m.sweepGenerations(ctx)
	if err != nil {
		return err
	}
	if err := m.snapshotStats(ctx, current); err != nil {
		slog.Warn("failed to record capacity stats", "error", err)
	}

	slog.Info("cleanup finished", "versions_deleted", deletedVersions,
		"generations_collected", collected)
	return nil
}

// sweepVersions deletes retired versions past the grace period, except
// the pointer target.
func (m *Maintenance) sweepVersions(ctx context.Context, current *models.Pointer) (int, error) {
	objects, err := m.store.List(ctx, models.IndexesPrefix)
	if err != nil {
		return 0, broker.Retryable(fmt.Errorf("list versions: %w", err))
	}

	deleted := 0
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".meta") {
			continue
		}
		raw, err := m.store.Get(ctx, obj.Key)
		if err != nil {
			continue
		}
		var version models.IndexVersion
		if err := msgpack.Unmarshal(raw, &version); err != nil {
			slog.Warn("skipping unreadable version meta", "key", obj.Key, "error", err)
			continue
		}
		if current != nil && version.VersionID == current.VersionID {
			continue
		}
		if version.RetiredAt == nil || time.Since(*version.RetiredAt) < m.RetiredGrace {
			continue
		}

		if err := m.store.Delete(ctx, version.StoragePath); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to delete index", "version_id", version.VersionID, "error", err)
			continue
		}
		if err := m.store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to delete version meta", "version_id", version.VersionID, "error", err)
			continue
		}
		deleted++
		slog.Info("retired version deleted", "version_id", version.VersionID,
			"retired_at", version.RetiredAt)
	}
	return deleted, nil
}

// sweepGenerations collects batches and staged sources of failed
// generations and prunes their records once cleaned.
func (m *Maintenance) sweepGenerations(ctx context.Context) (int, error) {
	gens, err := m.registry.List(ctx)
	if err != nil {
		return 0, broker.Retryable(fmt.Errorf("list generations: %w", err))
	}

	collected := 0
	for _, gen := range gens {
		if gen.Status != models.GenerationFailed {
			continue
		}
		if time.Since(gen.UpdatedAt) < m.RetiredGrace {
			continue
		}
		if err := m.deletePrefix(ctx, models.EmbeddingsPrefix+gen.ID+"/"); err != nil {
			slog.Warn("failed to collect batches", "generation_id", gen.ID, "error", err)
			continue
		}
		if err := m.deletePrefix(ctx, models.SourcesPrefix+gen.ID+"/"); err != nil {
			slog.Warn("failed to collect sources", "generation_id", gen.ID, "error", err)
			continue
		}
		if err := m.registry.Delete(ctx, gen.ID); err != nil {
			slog.Warn("failed to prune generation record", "generation_id", gen.ID, "error", err)
			continue
		}
		collected++
		slog.Info("failed generation collected", "generation_id", gen.ID)
	}
	return collected, nil
}

func (m *Maintenance) deletePrefix(ctx context.Context, prefix string) error {
	objects, err := m.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := m.store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// snapshotStats records the storage footprint for the admin projection.
func (m *Maintenance) snapshotStats(ctx context.Context, current *models.Pointer) error {
	stats := CapacityStats{MeasuredAt: time.Now().UTC()}

	for _, prefix := range []string{models.EmbeddingsPrefix, models.IndexesPrefix, models.SourcesPrefix} {
		objects, err := m.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			stats.StorageBytes += obj.Size
			if strings.HasSuffix(obj.Key, ".meta") {
				stats.IndexVersions++
			}
		}
	}

	if current != nil {
		raw, err := m.store.Get(ctx, models.IndexMetaKey(current.VersionID))
		if err == nil {
			var version models.IndexVersion
			if err := msgpack.Unmarshal(raw, &version); err == nil {
				stats.LiveVectors = version.VectorCount
			}
		}
	}

	m.mu.Lock()
	m.stats = &stats
	m.mu.Unlock()
	return nil
}

// Stats returns the last recorded capacity snapshot, nil before the
// first cleanup run.
func (m *Maintenance) Stats() *CapacityStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return nil
	}
	stats := *m.stats
	return &stats
}
