package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/index"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// Builder turns a completed generation into a persisted index version.
// It consumes completion markers, fires the fan-in barrier once all
// batches are stored, assembles the vectors in batch order and derives
// the version identifier from the content hash, so identical inputs can
// never produce a second version.
type Builder struct {
	registry *Registry
	store    store.Store
	broker   broker.Broker
	metrics  *metrics.Collector

	// Kind selects the index family for new builds.
	Kind index.Kind

	// IVF, when Kind is ivf, tunes the clustering.
	IVF index.IVFParams
}

// NewBuilder creates a builder for the given index family.
func NewBuilder(registry *Registry, s store.Store, b broker.Broker,
	m *metrics.Collector, kind index.Kind) *Builder {
	return &Builder{
		registry: registry,
		store:    s,
		broker:   b,
		metrics:  m,
		Kind:     kind,
		IVF:      index.DefaultIVFParams(),
	}
}

// HandleBatchComplete is the task handler for completion markers. Most
// markers only advance the barrier; the one that completes it builds
// the index.
func (b *Builder) HandleBatchComplete(ctx context.Context, task *models.Task) error {
	var payload models.BatchCompletePayload
	if err := msgpack.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode completion marker: %w", err)
	}

	complete, err := b.registry.ObserveBatch(ctx, payload.GenerationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown generation %s", payload.GenerationID)
		}
		return broker.Retryable(err)
	}
	if !complete {
		return nil
	}
	return b.build(ctx, payload.GenerationID)
}

func (b *Builder) build(ctx context.Context, generationID string) error {
	gen, err := b.registry.Get(ctx, generationID)
	if err != nil {
		return broker.Retryable(err)
	}

	ids, vectors, contentHash, err := b.assemble(ctx, gen)
	if err != nil {
		return err
	}
	versionID := models.VersionIDFromHash(contentHash)

	// Identical content to the live version means there is nothing to
	// swap; the generation retires without a redundant build.
	current, err := b.store.Pointer(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return broker.Retryable(fmt.Errorf("read pointer: %w", err))
	}
	if current != nil && current.VersionID == versionID {
		slog.Info("content unchanged, skipping build",
			"generation_id", generationID, "version_id", versionID)
		if err := b.registry.SetVersion(ctx, generationID, versionID); err != nil {
			return err
		}
		return b.registry.Transition(ctx, generationID, models.GenerationRetired)
	}

	start := time.Now()
	idx, err := b.newIndex()
	if err != nil {
		return err
	}
	if err := idx.Build(ids, vectors); err != nil {
		b.failGeneration(ctx, generationID, fmt.Sprintf("index build: %v", err))
		return fmt.Errorf("build index for %s: %w", generationID, err)
	}
	buildDuration := time.Since(start)
	b.metrics.RecordTiming(metrics.OpIndexBuild, buildDuration)

	serialized, err := idx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize index %s: %w", versionID, err)
	}
	if err := b.store.Put(ctx, models.IndexKey(versionID), serialized); err != nil {
		return broker.Retryable(fmt.Errorf("persist index %s: %w", versionID, err))
	}

	version := &models.IndexVersion{
		VersionID:     versionID,
		GenerationID:  generationID,
		Seq:           gen.Seq,
		VectorCount:   idx.VectorCount(),
		Dimension:     idx.Dimension(),
		IndexKind:     string(idx.Kind()),
		BuildDuration: buildDuration,
		ContentHash:   contentHash,
		StoragePath:   models.IndexKey(versionID),
		CreatedAt:     time.Now().UTC(),
	}
	meta, err := msgpack.Marshal(version)
	if err != nil {
		return fmt.Errorf("encode version meta %s: %w", versionID, err)
	}
	if err := b.store.Put(ctx, models.IndexMetaKey(versionID), meta); err != nil {
		return broker.Retryable(fmt.Errorf("persist version meta %s: %w", versionID, err))
	}

	if err := b.registry.SetVersion(ctx, generationID, versionID); err != nil {
		return err
	}
	if err := b.registry.Transition(ctx, generationID, models.GenerationValidating); err != nil {
		return err
	}

	promote, err := msgpack.Marshal(models.PromotePayload{
		GenerationID: generationID,
		VersionID:    versionID,
	})
	if err != nil {
		return fmt.Errorf("encode promote payload: %w", err)
	}
	if _, err := b.broker.Enqueue(ctx, &models.Task{
		Type:    models.TaskPromote,
		Payload: promote,
	}); err != nil {
		return broker.Retryable(fmt.Errorf("enqueue promotion: %w", err))
	}

	slog.Info("index built", "generation_id", generationID, "version_id", versionID,
		"vectors", version.VectorCount, "dimension", version.Dimension,
		"kind", version.IndexKind, "duration", buildDuration)
	return nil
}

// assemble loads the generation's batches in batch-index order and
// computes the content hash over the concatenated vector bytes.
func (b *Builder) assemble(ctx context.Context, gen *models.Generation) ([]string, [][]float32, string, error) {
	var (
		ids     []string
		vectors [][]float32
	)
	hasher := models.NewContentHasher()
	for i := 0; i < gen.TotalBatches; i++ {
		raw, err := b.store.Get(ctx, models.BatchKey(gen.ID, i))
		if err != nil {
			return nil, nil, "", broker.Retryable(fmt.Errorf("load batch %s/%d: %w", gen.ID, i, err))
		}
		var batch models.EmbeddingBatch
		if err := msgpack.Unmarshal(raw, &batch); err != nil {
			b.failGeneration(ctx, gen.ID, fmt.Sprintf("corrupt batch %d: %v", i, err))
			return nil, nil, "", fmt.Errorf("decode batch %s/%d: %w", gen.ID, i, err)
		}
		if err := batch.Validate(); err != nil {
			b.failGeneration(ctx, gen.ID, err.Error())
			return nil, nil, "", err
		}
		ids = append(ids, batch.DocIDs...)
		vectors = append(vectors, batch.Vectors...)
		for _, v := range batch.Vectors {
			hasher.WriteVector(v)
		}
	}
	return ids, vectors, hasher.Sum(), nil
}

func (b *Builder) newIndex() (index.Index, error) {
	if b.Kind == index.KindIVF {
		return index.NewIVF(b.IVF), nil
	}
	return index.New(b.Kind)
}

func (b *Builder) failGeneration(ctx context.Context, generationID, reason string) {
	if err := b.registry.Fail(ctx, generationID, reason); err != nil {
		slog.Warn("failed to mark generation failed",
			"generation_id", generationID, "error", err)
	}
}
