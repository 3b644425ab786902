package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// Registry owns the generation lifecycle. Generation records are
// persisted to the index store as the source of truth, so every process
// sharing the store sees the same state; the in-memory map is a cache.
// All status mutations go through Transition, which validates the edge.
type Registry struct {
	store store.Store

	// BarrierTimeout fails generations whose batches do not all arrive
	// in time. Zero disables expiry.
	BarrierTimeout time.Duration

	mu          sync.Mutex
	generations map[string]*models.Generation
	seq         uint64
}

// NewRegistry creates a registry over the given store.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store:       s,
		generations: make(map[string]*models.Generation),
	}
}

// Restore loads persisted generation records and recovers the sequence
// counter. Call once at startup.
func (r *Registry) Restore(ctx context.Context) error {
	objects, err := r.store.List(ctx, models.GenerationsPrefix)
	if err != nil {
		return fmt.Errorf("restore generations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, obj := range objects {
		data, err := r.store.Get(ctx, obj.Key)
		if err != nil {
			return fmt.Errorf("restore generation %s: %w", obj.Key, err)
		}
		var gen models.Generation
		if err := json.Unmarshal(data, &gen); err != nil {
			slog.Warn("skipping malformed generation record", "key", obj.Key, "error", err)
			continue
		}
		r.generations[gen.ID] = &gen
		if gen.Seq > r.seq {
			r.seq = gen.Seq
		}
	}
	slog.Info("generation registry restored", "count", len(r.generations), "seq", r.seq)
	return nil
}

// Create registers a new pending generation with the next sequence
// number and persists it.
func (r *Registry) Create(ctx context.Context, docCount, batchSize, totalBatches int) (*models.Generation, error) {
	r.mu.Lock()
	r.seq++
	now := time.Now().UTC()
	gen := &models.Generation{
		ID:           uuid.New().String()[:8],
		Seq:          r.seq,
		TotalBatches: totalBatches,
		BatchSize:    batchSize,
		DocCount:     docCount,
		Status:       models.GenerationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.generations[gen.ID] = gen
	r.mu.Unlock()

	if err := r.persist(ctx, gen); err != nil {
		return nil, err
	}
	slog.Info("generation created", "generation_id", gen.ID, "seq", gen.Seq,
		"docs", docCount, "batches", totalBatches)
	return gen, nil
}

// Get returns a snapshot of the generation, loading it from the store
// when not cached. Returns store.ErrNotFound for unknown ids.
func (r *Registry) Get(ctx context.Context, id string) (*models.Generation, error) {
	r.mu.Lock()
	if gen, ok := r.generations[id]; ok {
		snapshot := *gen
		r.mu.Unlock()
		return &snapshot, nil
	}
	r.mu.Unlock()

	data, err := r.store.Get(ctx, models.GenerationKey(id))
	if err != nil {
		return nil, err
	}
	var gen models.Generation
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("decode generation %s: %w", id, err)
	}

	r.mu.Lock()
	r.generations[id] = &gen
	snapshot := gen
	r.mu.Unlock()
	return &snapshot, nil
}

// List returns all known generations, newest first.
func (r *Registry) List(ctx context.Context) ([]*models.Generation, error) {
	objects, err := r.store.List(ctx, models.GenerationsPrefix)
	if err != nil {
		return nil, err
	}
	gens := make([]*models.Generation, 0, len(objects))
	for _, obj := range objects {
		id := strings.TrimPrefix(obj.Key, models.GenerationsPrefix)
		gen, err := r.Get(ctx, id)
		if err != nil {
			slog.Warn("skipping unreadable generation", "generation_id", id, "error", err)
			continue
		}
		gens = append(gens, gen)
	}
	slices.SortFunc(gens, func(a, b *models.Generation) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		default:
			return 0
		}
	})
	return gens, nil
}

// Transition moves a generation to the next status after validating the
// edge, then persists the record.
func (r *Registry) Transition(ctx context.Context, id string, next models.GenerationStatus) error {
	return r.update(ctx, id, func(gen *models.Generation) error {
		return gen.Transition(next)
	})
}

// SetVersion records the built version on a generation.
func (r *Registry) SetVersion(ctx context.Context, id, versionID string) error {
	return r.update(ctx, id, func(gen *models.Generation) error {
		gen.VersionID = versionID
		gen.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Fail marks a generation failed with a reason. Failing an
// already-failed generation is a no-op.
func (r *Registry) Fail(ctx context.Context, id, reason string) error {
	return r.update(ctx, id, func(gen *models.Generation) error {
		if gen.Status == models.GenerationFailed {
			return nil
		}
		if err := gen.Transition(models.GenerationFailed); err != nil {
			return err
		}
		gen.Error = reason
		slog.Error("generation failed", "generation_id", id, "reason", reason)
		return nil
	})
}

// Cancel fails a generation that has not reached validation yet.
// Outstanding batch tasks observe the failed status and drop their work.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	return r.update(ctx, id, func(gen *models.Generation) error {
		if !gen.Status.Cancellable() {
			return fmt.Errorf("generation %s: not cancellable in status %s", id, gen.Status)
		}
		if err := gen.Transition(models.GenerationFailed); err != nil {
			return err
		}
		gen.Error = "cancelled"
		slog.Info("generation cancelled", "generation_id", id)
		return nil
	})
}

// ObserveBatch records a batch completion marker and reports whether the
// generation's fan-in barrier fired. The barrier counts persisted batch
// objects, so duplicate markers and process restarts cannot double-fire
// or undercount; the embedding-to-building transition is the single
// fire-once gate.
func (r *Registry) ObserveBatch(ctx context.Context, generationID string) (bool, error) {
	gen, err := r.Get(ctx, generationID)
	if err != nil {
		return false, err
	}
	if gen.Status != models.GenerationEmbedding {
		// Late or duplicate marker after the barrier already fired, or a
		// marker for a failed generation.
		return false, nil
	}

	objects, err := r.store.List(ctx, models.EmbeddingsPrefix+generationID+"/")
	if err != nil {
		return false, fmt.Errorf("count batches for %s: %w", generationID, err)
	}
	if len(objects) < gen.TotalBatches {
		slog.Debug("barrier progress", "generation_id", generationID,
			"done", len(objects), "total", gen.TotalBatches)
		return false, nil
	}

	if err := r.Transition(ctx, generationID, models.GenerationBuilding); err != nil {
		refreshed, gerr := r.Get(ctx, generationID)
		if gerr == nil && refreshed.Status != models.GenerationEmbedding {
			// Lost the race to another marker; the barrier fired elsewhere.
			return false, nil
		}
		// The record could not be persisted; the generation is still
		// embedding, so the redelivered marker fires the barrier later.
		return false, broker.Retryable(fmt.Errorf("advance generation %s: %w", generationID, err))
	}
	slog.Info("all batches complete", "generation_id", generationID,
		"batches", gen.TotalBatches)
	return true, nil
}

// ExpireBarriers fails generations stuck in embedding past the barrier
// timeout.
func (r *Registry) ExpireBarriers(ctx context.Context) {
	if r.BarrierTimeout <= 0 {
		return
	}
	r.mu.Lock()
	var stale []string
	for id, gen := range r.generations {
		if gen.Status == models.GenerationEmbedding &&
			time.Since(gen.CreatedAt) > r.BarrierTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.Fail(ctx, id, ErrBarrierTimeout.Error()); err != nil {
			slog.Warn("failed to expire generation", "generation_id", id, "error", err)
		}
	}
}

// Delete removes a generation record from the store and cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, models.GenerationKey(id)); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.generations, id)
	r.mu.Unlock()
	return nil
}

// update applies fn to the generation under the lock and persists the
// result.
func (r *Registry) update(ctx context.Context, id string, fn func(*models.Generation) error) error {
	r.mu.Lock()
	gen, ok := r.generations[id]
	r.mu.Unlock()
	if !ok {
		loaded, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		r.mu.Lock()
		gen, ok = r.generations[id]
		if !ok {
			gen = loaded
			r.generations[id] = gen
		}
		r.mu.Unlock()
	}

	// Mutate a copy and install it only after the persist succeeds, so a
	// failed store write never leaves the cache ahead of the record.
	r.mu.Lock()
	snapshot := *gen
	r.mu.Unlock()
	if err := fn(&snapshot); err != nil {
		return err
	}
	if err := r.persistSnapshot(ctx, &snapshot); err != nil {
		return err
	}
	r.mu.Lock()
	*gen = snapshot
	r.mu.Unlock()
	return nil
}

func (r *Registry) persist(ctx context.Context, gen *models.Generation) error {
	r.mu.Lock()
	snapshot := *gen
	r.mu.Unlock()
	return r.persistSnapshot(ctx, &snapshot)
}

func (r *Registry) persistSnapshot(ctx context.Context, gen *models.Generation) error {
	data, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("encode generation %s: %w", gen.ID, err)
	}
	if err := r.store.Put(ctx, models.GenerationKey(gen.ID), data); err != nil {
		return fmt.Errorf("persist generation %s: %w", gen.ID, err)
	}
	return nil
}
