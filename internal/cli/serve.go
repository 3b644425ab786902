package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/embedding"
	"github.com/forgelabs/indexforge/internal/index"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/pipeline"
	"github.com/forgelabs/indexforge/internal/server"
)

var serveDocs string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers, scheduler and admin server",
	Long: `Serve runs the full pipeline in one process: the three worker pools,
the rebuild/cleanup scheduler, the capacity monitor, the query-time
index holder and the read-only HTTP admin projection.

The document source for scheduled rebuilds is a JSONL file with one
{"id": ..., "text": ...} document per line.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDocs, "docs", "", "path to the JSONL document source")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	embedder, err := embedding.New(embedding.Config{
		Provider:     embedding.ProviderType(cfg.EmbedProvider),
		Model:        cfg.EmbeddingModel,
		Dimension:    cfg.Dimension,
		OllamaHost:   cfg.OllamaHost,
		OpenAIAPIKey: cfg.OpenAIToken,
	})
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	var source pipeline.DocumentSource
	if serveDocs != "" {
		source = pipeline.JSONLSource{Path: serveDocs}
	} else {
		source = pipeline.SliceSource(nil)
	}

	collector := metrics.NewCollector()

	dispatcher := pipeline.NewDispatcher(registry, st, brk, source)
	dispatcher.BatchSize = cfg.BatchSize

	embedWorker := pipeline.NewEmbedWorker(registry, st, brk, embedder, collector)

	builder := pipeline.NewBuilder(registry, st, brk, collector, index.Kind(cfg.IndexKind))
	builder.IVF.Lists = cfg.IVFLists
	builder.IVF.Probes = cfg.IVFProbes

	coordinator := pipeline.NewCoordinator(registry, st, bus, collector)
	coordinator.RecallFloor = cfg.RecallFloor
	coordinator.SampleSize = cfg.SampleSize
	coordinator.TopK = cfg.SampleTopK

	holder := pipeline.NewHolder(st, bus, collector)
	holder.PollInterval = cfg.PollInterval
	if err := holder.Start(ctx); err != nil {
		return fmt.Errorf("start holder: %w", err)
	}

	monitor := pipeline.NewMonitor(registry, holder, collector)
	monitor.MaxVectors = cfg.MaxVectors
	monitor.MaxSearchP95 = cfg.MaxSearchP95
	monitor.MaxSearchFrac = cfg.MaxSearchFrac
	monitor.Interval = cfg.MonitorInterval
	monitor.Start(ctx)
	wireTerminalFailures(monitor)

	maintenance := pipeline.NewMaintenance(registry, st)
	maintenance.RetiredGrace = cfg.RetiredGrace

	mux := broker.NewMux()
	for taskType, handler := range map[string]broker.HandlerFunc{
		models.TaskEmbedBatch:    embedWorker.HandleEmbedBatch,
		models.TaskBatchComplete: builder.HandleBatchComplete,
		models.TaskPromote:       coordinator.HandlePromote,
		models.TaskRebuild:       dispatcher.HandleRebuild,
		models.TaskCleanup:       maintenance.HandleCleanup,
	} {
		if err := mux.Handle(taskType, handler); err != nil {
			return fmt.Errorf("register handler: %w", err)
		}
	}

	pools := []*broker.Pool{
		broker.NewPool(brk, mux, broker.QueueEmbedding, cfg.EmbeddingWorkers),
		broker.NewPool(brk, mux, broker.QueueIndexing, cfg.IndexingWorkers),
		broker.NewPool(brk, mux, broker.QueueMaintenance, cfg.MaintenanceWorkers),
	}
	for _, pool := range pools {
		pool.Start(ctx)
	}

	scheduler := pipeline.NewScheduler(brk)
	scheduler.RebuildInterval = cfg.RebuildInterval
	scheduler.CleanupInterval = cfg.CleanupInterval
	scheduler.Start(ctx)

	admin := server.New(cfg.HTTPAddr, registry, st, brk, holder, collector,
		monitor, maintenance, slog.Default())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- admin.Start()
	}()

	slog.Info("indexforge serving", "store", cfg.StoreBackend,
		"broker", cfg.BrokerBackend, "index_kind", cfg.IndexKind,
		"embed_provider", cfg.EmbedProvider, "http_addr", cfg.HTTPAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		slog.Info("shutting down...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server forced to shutdown", "error", err)
	}
	for _, pool := range pools {
		pool.Wait()
	}
	slog.Info("stopped")
	return nil
}

// wireTerminalFailures routes terminal task failures into the monitor
// and fails the owning generation for embedding tasks, so a partial
// index can never be promoted.
func wireTerminalFailures(monitor *pipeline.Monitor) {
	hook := func(task *models.Task, reason string) {
		monitor.RecordTerminalFailure(task, reason)
		if task.Type != models.TaskEmbedBatch {
			return
		}
		var payload models.EmbedBatchPayload
		if err := msgpack.Unmarshal(task.Payload, &payload); err != nil {
			slog.Warn("cannot decode failed embed task", "task_id", task.ID, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.Fail(ctx, payload.GenerationID,
			fmt.Sprintf("batch %d failed terminally: %s", payload.BatchIndex, reason)); err != nil {
			slog.Warn("failed to fail generation after terminal task",
				"generation_id", payload.GenerationID, "error", err)
		}
	}

	switch b := brk.(type) {
	case *broker.Memory:
		b.TerminalFunc = hook
	case *broker.Redis:
		b.TerminalFunc = hook
	}
}
