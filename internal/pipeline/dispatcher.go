package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// Dispatcher starts rebuild generations: it chunks the document set
// into fixed-size batches, stages the raw documents in the store and
// enqueues one embedding task per batch.
type Dispatcher struct {
	registry *Registry
	store    store.Store
	broker   broker.Broker
	source   DocumentSource

	// BatchSize is the fixed chunk size. Defaults to 1000.
	BatchSize int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, s store.Store, b broker.Broker, source DocumentSource) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		store:     s,
		broker:    b,
		source:    source,
		BatchSize: 1000,
	}
}

// HandleRebuild is the task handler for scheduled rebuilds.
func (d *Dispatcher) HandleRebuild(ctx context.Context, _ *models.Task) error {
	_, err := d.Rebuild(ctx)
	return err
}

// Rebuild loads the document set and starts a new generation. Returns
// the generation in embedding state with all batch tasks enqueued.
func (d *Dispatcher) Rebuild(ctx context.Context) (*models.Generation, error) {
	docs, err := d.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document source is empty")
	}

	batchSize := d.BatchSize
	if batchSize < 1 {
		batchSize = 1000
	}
	totalBatches := (len(docs) + batchSize - 1) / batchSize

	gen, err := d.registry.Create(ctx, len(docs), batchSize, totalBatches)
	if err != nil {
		return nil, err
	}

	for i := 0; i < totalBatches; i++ {
		start := i * batchSize
		end := min(start+batchSize, len(docs))
		chunk, err := msgpack.Marshal(docs[start:end])
		if err != nil {
			d.failStart(ctx, gen.ID, fmt.Sprintf("encode batch %d: %v", i, err))
			return nil, fmt.Errorf("encode batch %d: %w", i, err)
		}
		if err := d.store.Put(ctx, models.SourceKey(gen.ID, i), chunk); err != nil {
			d.failStart(ctx, gen.ID, fmt.Sprintf("stage batch %d: %v", i, err))
			return nil, fmt.Errorf("stage batch %d: %w", i, err)
		}
	}

	if err := d.registry.Transition(ctx, gen.ID, models.GenerationEmbedding); err != nil {
		return nil, err
	}

	for i := 0; i < totalBatches; i++ {
		payload, err := msgpack.Marshal(models.EmbedBatchPayload{
			GenerationID: gen.ID,
			BatchIndex:   i,
			TotalBatches: totalBatches,
		})
		if err != nil {
			d.failStart(ctx, gen.ID, fmt.Sprintf("encode task %d: %v", i, err))
			return nil, fmt.Errorf("encode task %d: %w", i, err)
		}
		task := &models.Task{Type: models.TaskEmbedBatch, Payload: payload}
		if _, err := d.broker.Enqueue(ctx, task); err != nil {
			d.failStart(ctx, gen.ID, fmt.Sprintf("enqueue batch %d: %v", i, err))
			return nil, fmt.Errorf("enqueue batch %d: %w", i, err)
		}
	}

	slog.Info("rebuild dispatched", "generation_id", gen.ID, "seq", gen.Seq,
		"docs", len(docs), "batches", totalBatches)
	return d.registry.Get(ctx, gen.ID)
}

func (d *Dispatcher) failStart(ctx context.Context, generationID, reason string) {
	if err := d.registry.Fail(ctx, generationID, reason); err != nil {
		slog.Warn("failed to mark generation failed", "generation_id", generationID, "error", err)
	}
}
