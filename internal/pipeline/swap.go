package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/events"
	"github.com/forgelabs/indexforge/internal/index"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// Coordinator validates candidate index versions against the active one
// and promotes them through a compare-and-swap on the pointer record.
// Promotion order follows generation sequence order: a candidate whose
// sequence is at or below the promoted one is a superseded no-op.
type Coordinator struct {
	registry *Registry
	store    store.Store
	bus      events.Bus
	metrics  *metrics.Collector

	// RecallFloor is the minimum top-k agreement between candidate and
	// active index. Defaults to 0.95.
	RecallFloor float64

	// SampleSize caps the number of validation queries. Defaults to 100.
	SampleSize int

	// TopK is the agreement depth per query. Defaults to 10.
	TopK int
}

// NewCoordinator creates a hot-swap coordinator.
func NewCoordinator(registry *Registry, s store.Store, bus events.Bus, m *metrics.Collector) *Coordinator {
	return &Coordinator{
		registry:    registry,
		store:       s,
		bus:         bus,
		metrics:     m,
		RecallFloor: 0.95,
		SampleSize:  100,
		TopK:        10,
	}
}

// HandlePromote is the task handler for promote_version tasks.
func (c *Coordinator) HandlePromote(ctx context.Context, task *models.Task) error {
	var payload models.PromotePayload
	if err := msgpack.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode promote payload: %w", err)
	}

	_, err := c.ValidateAndPromote(ctx, payload.VersionID, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleSequence):
		// Superseded by a newer generation; park it as retired.
		slog.Info("promotion superseded", "version_id", payload.VersionID)
		if terr := c.registry.Transition(ctx, payload.GenerationID, models.GenerationRetired); terr != nil {
			slog.Warn("failed to retire superseded generation",
				"generation_id", payload.GenerationID, "error", terr)
		}
		return nil
	case errors.Is(err, ErrRecallBelowFloor):
		return err
	default:
		return err
	}
}

// ValidateAndPromote runs validation against the active index and, on
// success, swaps the pointer and broadcasts the swap event. force skips
// the recall check and sequence ordering; it is the rollback path.
func (c *Coordinator) ValidateAndPromote(ctx context.Context, versionID string, force bool) (*models.SwapEvent, error) {
	version, candidate, err := c.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if candidate.VectorCount() == 0 {
		c.failVersionGeneration(ctx, version, "candidate index is empty")
		return nil, fmt.Errorf("version %s: empty index", versionID)
	}

	current, err := c.store.Pointer(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, broker.Retryable(fmt.Errorf("read pointer: %w", err))
	}

	if current != nil {
		if current.VersionID == versionID {
			// Redelivered task or repeated rollback. The pointer may have
			// moved before the bookkeeping landed, so finish it here; every
			// step is idempotent.
			c.finishBookkeeping(ctx, version, c.previousActive(ctx, version))
			return nil, nil
		}
		if !force && current.Seq >= version.Seq {
			return nil, ErrStaleSequence
		}
		if !force {
			if err := c.validate(ctx, version, candidate, current); err != nil {
				return nil, err
			}
		}
	}

	event, err := c.swap(ctx, version, current, force)
	if err != nil {
		return nil, err
	}

	if err := c.bus.PublishSwap(ctx, event); err != nil {
		// The pointer already moved; holders reconcile by polling.
		slog.Warn("failed to broadcast swap event", "version_id", versionID, "error", err)
	}
	c.finishBookkeeping(ctx, version, current)

	slog.Info("index promoted", "version_id", versionID, "seq", version.Seq,
		"from_version", event.FromVersion, "forced", force)
	return event, nil
}

// Rollback re-promotes a retired-but-present version through the normal
// promote path.
func (c *Coordinator) Rollback(ctx context.Context, versionID string) (*models.SwapEvent, error) {
	return c.ValidateAndPromote(ctx, versionID, true)
}

func (c *Coordinator) loadVersion(ctx context.Context, versionID string) (*models.IndexVersion, index.Index, error) {
	meta, err := c.store.Get(ctx, models.IndexMetaKey(versionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("version %s: %w", versionID, err)
		}
		return nil, nil, broker.Retryable(fmt.Errorf("load version meta %s: %w", versionID, err))
	}
	var version models.IndexVersion
	if err := msgpack.Unmarshal(meta, &version); err != nil {
		return nil, nil, fmt.Errorf("decode version meta %s: %w", versionID, err)
	}

	data, err := c.store.Get(ctx, version.StoragePath)
	if err != nil {
		return nil, nil, broker.Retryable(fmt.Errorf("load index %s: %w", versionID, err))
	}
	idx, err := index.Load(index.Kind(version.IndexKind), data)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize index %s: %w", versionID, err)
	}
	return &version, idx, nil
}

// validate computes top-k agreement between candidate and active over a
// fixed sample of the candidate generation's vectors. The recall value
// is logged on every validation.
func (c *Coordinator) validate(ctx context.Context, version *models.IndexVersion,
	candidate index.Index, current *models.Pointer) error {
	start := time.Now()

	_, active, err := c.loadVersion(ctx, current.VersionID)
	if err != nil {
		return fmt.Errorf("load active index for validation: %w", err)
	}

	queries, err := c.sampleQueries(ctx, version)
	if err != nil {
		return err
	}

	recall, err := topKAgreement(candidate, active, queries, c.TopK)
	if err != nil {
		return fmt.Errorf("validation queries: %w", err)
	}
	c.metrics.RecordTiming(metrics.OpValidation, time.Since(start))

	slog.Info("validation recall", "version_id", version.VersionID,
		"against", current.VersionID, "recall", recall,
		"floor", c.RecallFloor, "queries", len(queries), "top_k", c.TopK)

	if recall < c.RecallFloor {
		reason := fmt.Sprintf("recall %.4f below floor %.4f", recall, c.RecallFloor)
		c.failVersionGeneration(ctx, version, reason)
		return fmt.Errorf("%s: %w", reason, ErrRecallBelowFloor)
	}
	return nil
}

// sampleQueries draws validation queries from the first stored batch of
// the candidate's generation.
func (c *Coordinator) sampleQueries(ctx context.Context, version *models.IndexVersion) ([][]float32, error) {
	raw, err := c.store.Get(ctx, models.BatchKey(version.GenerationID, 0))
	if err != nil {
		return nil, broker.Retryable(fmt.Errorf("load sample batch for %s: %w", version.GenerationID, err))
	}
	var batch models.EmbeddingBatch
	if err := msgpack.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode sample batch for %s: %w", version.GenerationID, err)
	}
	n := min(c.SampleSize, len(batch.Vectors))
	return batch.Vectors[:n], nil
}

// topKAgreement returns the mean overlap fraction of the top-k result
// sets between the two indexes.
func topKAgreement(candidate, active index.Index, queries [][]float32, k int) (float64, error) {
	if len(queries) == 0 {
		return 0, fmt.Errorf("no validation queries")
	}
	var total float64
	for _, q := range queries {
		candIDs, _, err := candidate.Query(q, k)
		if err != nil {
			return 0, err
		}
		activeIDs, _, err := active.Query(q, k)
		if err != nil {
			return 0, err
		}
		if len(activeIDs) == 0 {
			total += 1
			continue
		}
		seen := make(map[string]struct{}, len(candIDs))
		for _, id := range candIDs {
			seen[id] = struct{}{}
		}
		overlap := 0
		for _, id := range activeIDs {
			if _, ok := seen[id]; ok {
				overlap++
			}
		}
		total += float64(overlap) / float64(len(activeIDs))
	}
	return total / float64(len(queries)), nil
}

// swap performs the pointer compare-and-swap with one retry. Losing the
// retry defers to the redelivered task. A forced swap never yields to a
// concurrent writer's sequence: rollback is an explicit override.
func (c *Coordinator) swap(ctx context.Context, version *models.IndexVersion,
	expect *models.Pointer, force bool) (*models.SwapEvent, error) {
	start := time.Now()
	next := &models.Pointer{
		VersionID: version.VersionID,
		Seq:       version.Seq,
		UpdatedAt: time.Now().UTC(),
	}

	err := c.store.SwapPointer(ctx, expect, next)
	if errors.Is(err, store.ErrPointerConflict) {
		fresh, rerr := c.store.Pointer(ctx)
		if rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
			return nil, broker.Retryable(fmt.Errorf("re-read pointer: %w", rerr))
		}
		if !force && fresh != nil && fresh.Seq >= version.Seq {
			return nil, ErrStaleSequence
		}
		expect = fresh
		err = c.store.SwapPointer(ctx, expect, next)
		if errors.Is(err, store.ErrPointerConflict) {
			return nil, broker.Retryable(fmt.Errorf("pointer conflict for %s", version.VersionID))
		}
	}
	if err != nil {
		return nil, broker.Retryable(fmt.Errorf("swap pointer: %w", err))
	}
	c.metrics.RecordTiming(metrics.OpPromotion, time.Since(start))

	event := &models.SwapEvent{
		ToVersion:    version.VersionID,
		GenerationID: version.GenerationID,
		Seq:          version.Seq,
		Timestamp:    time.Now().UTC(),
	}
	if expect != nil {
		event.FromVersion = expect.VersionID
	}
	return event, nil
}

// finishBookkeeping marks the promoted generation active and retires the
// previously active one, recording RetiredAt on its version meta. Every
// step tolerates repetition, so a promote task redelivered after a crash
// between the swap and the bookkeeping converges to the same state.
func (c *Coordinator) finishBookkeeping(ctx context.Context, version *models.IndexVersion, previous *models.Pointer) {
	gen, err := c.registry.Get(ctx, version.GenerationID)
	if err != nil {
		slog.Warn("failed to load promoted generation",
			"generation_id", version.GenerationID, "error", err)
	} else if gen.Status != models.GenerationActive {
		if err := c.registry.Transition(ctx, version.GenerationID, models.GenerationActive); err != nil {
			slog.Warn("failed to mark generation active",
				"generation_id", version.GenerationID, "error", err)
		}
	}

	if previous == nil || previous.VersionID == version.VersionID {
		return
	}
	meta, err := c.store.Get(ctx, models.IndexMetaKey(previous.VersionID))
	if err != nil {
		slog.Warn("failed to load retired version meta",
			"version_id", previous.VersionID, "error", err)
		return
	}
	var old models.IndexVersion
	if err := msgpack.Unmarshal(meta, &old); err != nil {
		slog.Warn("failed to decode retired version meta",
			"version_id", previous.VersionID, "error", err)
		return
	}
	if old.RetiredAt == nil {
		now := time.Now().UTC()
		old.RetiredAt = &now
		if updated, err := msgpack.Marshal(&old); err == nil {
			if err := c.store.Put(ctx, models.IndexMetaKey(old.VersionID), updated); err != nil {
				slog.Warn("failed to persist retired version meta",
					"version_id", old.VersionID, "error", err)
			}
		}
	}
	oldGen, err := c.registry.Get(ctx, old.GenerationID)
	if err != nil || oldGen.Status == models.GenerationRetired {
		return
	}
	if err := c.registry.Transition(ctx, old.GenerationID, models.GenerationRetired); err != nil {
		slog.Warn("failed to retire previous generation",
			"generation_id", old.GenerationID, "error", err)
	}
}

// previousActive reconstructs the displaced pointer for bookkeeping
// recovery: the still-active generation the swapped-in version replaced.
func (c *Coordinator) previousActive(ctx context.Context, version *models.IndexVersion) *models.Pointer {
	gens, err := c.registry.List(ctx)
	if err != nil {
		slog.Warn("failed to list generations for bookkeeping recovery", "error", err)
		return nil
	}
	for _, gen := range gens {
		if gen.ID != version.GenerationID && gen.Status == models.GenerationActive && gen.VersionID != "" {
			return &models.Pointer{VersionID: gen.VersionID, Seq: gen.Seq}
		}
	}
	return nil
}

func (c *Coordinator) failVersionGeneration(ctx context.Context, version *models.IndexVersion, reason string) {
	if err := c.registry.Fail(ctx, version.GenerationID, reason); err != nil {
		slog.Warn("failed to mark generation failed",
			"generation_id", version.GenerationID, "error", err)
	}
}
