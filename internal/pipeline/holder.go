package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/events"
	"github.com/forgelabs/indexforge/internal/index"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/store"
)

// loadedIndex pairs one deserialized index with its identity.
type loadedIndex struct {
	versionID string
	seq       uint64
	idx       index.Index
}

// Holder serves queries from the current index version. The swap
// handler is the single writer of the atomic reference; queries are
// lock-free readers, and in-flight queries finish on the reference they
// loaded. Swap events are validated against the pointer record before
// adoption, and a periodic poll reconciles missed events.
type Holder struct {
	store   store.Store
	bus     events.Bus
	metrics *metrics.Collector

	// PollInterval is the pointer reconciliation cadence. Defaults to
	// 30s.
	PollInterval time.Duration

	current atomic.Pointer[loadedIndex]
}

// NewHolder creates a holder. Call Start to begin tracking the pointer.
func NewHolder(s store.Store, bus events.Bus, m *metrics.Collector) *Holder {
	return &Holder{
		store:        s,
		bus:          bus,
		metrics:      m,
		PollInterval: 30 * time.Second,
	}
}

// Start loads the current version if one exists and begins following
// swap events and the reconciliation poll. Runs until ctx is cancelled.
func (h *Holder) Start(ctx context.Context) error {
	if err := h.reconcile(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		// Serve degraded until the poll succeeds.
		slog.Warn("initial index load failed", "error", err)
	}

	swaps, err := h.bus.SubscribeSwaps(ctx)
	if err != nil {
		return fmt.Errorf("subscribe swaps: %w", err)
	}

	go func() {
		ticker := time.NewTicker(h.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-swaps:
				if !ok {
					return
				}
				h.handleSwap(ctx, event)
			case <-ticker.C:
				if err := h.reconcile(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
					slog.Warn("pointer reconciliation failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// handleSwap adopts an announced version after checking it against the
// pointer record. Stale and duplicate events are ignored.
func (h *Holder) handleSwap(ctx context.Context, event *models.SwapEvent) {
	loaded := h.current.Load()
	if loaded != nil && event.ToVersion == loaded.versionID {
		return
	}

	// Events are advisory; the pointer record decides. That makes stale
	// events harmless and lets a rollback event carry a lower sequence
	// than the loaded one.
	pointer, err := h.store.Pointer(ctx)
	if err != nil {
		slog.Warn("failed to verify swap event against pointer", "error", err)
		return
	}
	if pointer.VersionID != event.ToVersion {
		slog.Info("swap event superseded by pointer",
			"event_version", event.ToVersion, "pointer_version", pointer.VersionID)
		h.adopt(ctx, pointer)
		return
	}
	h.adopt(ctx, pointer)
}

// reconcile aligns the loaded index with the pointer record.
func (h *Holder) reconcile(ctx context.Context) error {
	pointer, err := h.store.Pointer(ctx)
	if err != nil {
		return err
	}
	loaded := h.current.Load()
	if loaded != nil && loaded.versionID == pointer.VersionID {
		return nil
	}
	h.adopt(ctx, pointer)
	return nil
}

// adopt loads the pointed-at version and swaps the reference. On load
// failure the old index stays live.
func (h *Holder) adopt(ctx context.Context, pointer *models.Pointer) {
	loaded := h.current.Load()
	if loaded != nil && loaded.versionID == pointer.VersionID {
		return
	}

	idx, err := h.loadIndex(ctx, pointer.VersionID)
	if err != nil {
		slog.Error("failed to load promoted index, keeping current",
			"version_id", pointer.VersionID, "error", err)
		return
	}

	h.current.Store(&loadedIndex{
		versionID: pointer.VersionID,
		seq:       pointer.Seq,
		idx:       idx,
	})
	from := ""
	if loaded != nil {
		from = loaded.versionID
	}
	slog.Info("index swapped", "from_version", from,
		"to_version", pointer.VersionID, "seq", pointer.Seq,
		"vectors", idx.VectorCount())
}

func (h *Holder) loadIndex(ctx context.Context, versionID string) (index.Index, error) {
	meta, err := h.store.Get(ctx, models.IndexMetaKey(versionID))
	if err != nil {
		return nil, fmt.Errorf("load version meta %s: %w", versionID, err)
	}
	var version models.IndexVersion
	if err := msgpack.Unmarshal(meta, &version); err != nil {
		return nil, fmt.Errorf("decode version meta %s: %w", versionID, err)
	}
	data, err := h.store.Get(ctx, version.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", versionID, err)
	}
	return index.Load(index.Kind(version.IndexKind), data)
}

// Search queries the current index. Returns ErrNoIndex before the first
// promotion.
func (h *Holder) Search(_ context.Context, query []float32, k int) ([]string, []float32, error) {
	loaded := h.current.Load()
	if loaded == nil {
		return nil, nil, ErrNoIndex
	}
	start := time.Now()
	ids, scores, err := loaded.idx.Query(query, k)
	if err != nil {
		return nil, nil, err
	}
	h.metrics.RecordTiming(metrics.OpSearch, time.Since(start))
	return ids, scores, nil
}

// Current returns the loaded version identity.
func (h *Holder) Current() (versionID string, seq uint64, ok bool) {
	loaded := h.current.Load()
	if loaded == nil {
		return "", 0, false
	}
	return loaded.versionID, loaded.seq, true
}

// VectorCount reports the size of the loaded index, 0 when none.
func (h *Holder) VectorCount() int {
	loaded := h.current.Load()
	if loaded == nil {
		return 0
	}
	return loaded.idx.VectorCount()
}

// Dimension reports the dimension of the loaded index, 0 when none.
func (h *Holder) Dimension() int {
	loaded := h.current.Load()
	if loaded == nil {
		return 0
	}
	return loaded.idx.Dimension()
}
