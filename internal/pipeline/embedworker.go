package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/embedding"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// EmbedWorker embeds one staged batch per task: load documents, embed,
// normalize, validate, persist, emit the completion marker. Workers
// share no mutable state; every write targets a batch-unique path.
type EmbedWorker struct {
	registry *Registry
	store    store.Store
	broker   broker.Broker
	embedder embedding.Embedder
	metrics  *metrics.Collector
}

// NewEmbedWorker creates an embed worker.
func NewEmbedWorker(registry *Registry, s store.Store, b broker.Broker,
	e embedding.Embedder, m *metrics.Collector) *EmbedWorker {
	return &EmbedWorker{registry: registry, store: s, broker: b, embedder: e, metrics: m}
}

// HandleEmbedBatch is the task handler for embed_batch tasks. Transient
// model and storage failures are retryable; malformed input fails the
// generation immediately.
func (w *EmbedWorker) HandleEmbedBatch(ctx context.Context, task *models.Task) error {
	var payload models.EmbedBatchPayload
	if err := msgpack.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode embed payload: %w", err)
	}

	gen, err := w.registry.Get(ctx, payload.GenerationID)
	if err != nil {
		return fmt.Errorf("load generation %s: %w", payload.GenerationID, err)
	}
	if gen.Status == models.GenerationFailed {
		// Cancelled or already failed; drop the work without error so the
		// task acks and disappears.
		slog.Info("dropping batch for failed generation",
			"generation_id", gen.ID, "batch", payload.BatchIndex)
		return nil
	}

	docs, err := w.loadSource(ctx, payload)
	if err != nil {
		return err
	}

	texts := make([]string, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
		ids[i] = doc.ID
	}

	start := time.Now()
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return broker.Retryable(fmt.Errorf("embed batch %s/%d: %w",
			payload.GenerationID, payload.BatchIndex, err))
	}
	w.metrics.RecordTiming(metrics.OpEmbedBatch, time.Since(start))

	embedding.NormalizeAll(vectors)

	batch := &models.EmbeddingBatch{
		GenerationID: payload.GenerationID,
		BatchIndex:   payload.BatchIndex,
		DocIDs:       ids,
		Vectors:      vectors,
		Count:        len(ids),
	}
	if err := batch.Validate(); err != nil {
		w.failGeneration(ctx, payload.GenerationID, err.Error())
		return err
	}

	data, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s/%d: %w", payload.GenerationID, payload.BatchIndex, err)
	}
	if err := w.store.Put(ctx, models.BatchKey(payload.GenerationID, payload.BatchIndex), data); err != nil {
		return broker.Retryable(fmt.Errorf("write batch %s/%d: %w",
			payload.GenerationID, payload.BatchIndex, err))
	}

	marker, err := msgpack.Marshal(models.BatchCompletePayload{
		GenerationID: payload.GenerationID,
		BatchIndex:   payload.BatchIndex,
		TotalBatches: payload.TotalBatches,
		VectorCount:  batch.Count,
	})
	if err != nil {
		return fmt.Errorf("encode completion marker: %w", err)
	}
	if _, err := w.broker.Enqueue(ctx, &models.Task{
		Type:    models.TaskBatchComplete,
		Payload: marker,
	}); err != nil {
		return broker.Retryable(fmt.Errorf("emit completion marker: %w", err))
	}

	slog.Debug("batch embedded", "generation_id", payload.GenerationID,
		"batch", payload.BatchIndex, "vectors", batch.Count,
		"duration", time.Since(start))
	return nil
}

func (w *EmbedWorker) loadSource(ctx context.Context, payload models.EmbedBatchPayload) ([]models.Document, error) {
	raw, err := w.store.Get(ctx, models.SourceKey(payload.GenerationID, payload.BatchIndex))
	if err != nil {
		return nil, broker.Retryable(fmt.Errorf("load source batch %s/%d: %w",
			payload.GenerationID, payload.BatchIndex, err))
	}
	var docs []models.Document
	if err := msgpack.Unmarshal(raw, &docs); err != nil {
		w.failGeneration(ctx, payload.GenerationID,
			fmt.Sprintf("malformed source batch %d: %v", payload.BatchIndex, err))
		return nil, fmt.Errorf("decode source batch %s/%d: %w",
			payload.GenerationID, payload.BatchIndex, err)
	}
	if len(docs) == 0 {
		w.failGeneration(ctx, payload.GenerationID,
			fmt.Sprintf("empty source batch %d", payload.BatchIndex))
		return nil, fmt.Errorf("empty source batch %s/%d",
			payload.GenerationID, payload.BatchIndex)
	}
	return docs, nil
}

func (w *EmbedWorker) failGeneration(ctx context.Context, generationID, reason string) {
	if err := w.registry.Fail(ctx, generationID, reason); err != nil {
		slog.Warn("failed to mark generation failed",
			"generation_id", generationID, "error", err)
	}
}
