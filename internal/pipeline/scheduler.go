package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/models"
)

// Scheduler enqueues the periodic rebuild and cleanup tasks. It does
// nothing else: the tasks carry no payload and all work happens in the
// handlers.
type Scheduler struct {
	broker broker.Broker

	// RebuildInterval defaults to 1h.
	RebuildInterval time.Duration

	// CleanupInterval defaults to 24h.
	CleanupInterval time.Duration
}

// NewScheduler creates a scheduler with the default intervals.
func NewScheduler(b broker.Broker) *Scheduler {
	return &Scheduler{
		broker:          b,
		RebuildInterval: time.Hour,
		CleanupInterval: 24 * time.Hour,
	}
}

// Start runs the tickers until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started",
		"rebuild_interval", s.RebuildInterval,
		"cleanup_interval", s.CleanupInterval)
	go s.tick(ctx, s.RebuildInterval, models.TaskRebuild)
	go s.tick(ctx, s.CleanupInterval, models.TaskCleanup)
}

func (s *Scheduler) tick(ctx context.Context, interval time.Duration, taskType string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.broker.Enqueue(ctx, &models.Task{Type: taskType}); err != nil {
				slog.Error("failed to enqueue scheduled task", "type", taskType, "error", err)
			} else {
				slog.Debug("scheduled task enqueued", "type", taskType)
			}
		}
	}
}
