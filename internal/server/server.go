// Package server provides the read-only HTTP projection of pipeline
// state: health, pointer/holder status, generations, versions and
// capacity.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/pipeline"
	"github.com/forgelabs/indexforge/internal/store"
)

// Server exposes the admin projection. All endpoints are read-only;
// mutations go through the CLI and the broker.
type Server struct {
	registry    *pipeline.Registry
	store       store.Store
	broker      broker.Broker
	holder      *pipeline.Holder
	metrics     *metrics.Collector
	monitor     *pipeline.Monitor
	maintenance *pipeline.Maintenance
	logger      *slog.Logger

	http *http.Server
}

// New creates the admin server listening on addr.
func New(addr string, registry *pipeline.Registry, s store.Store, b broker.Broker,
	holder *pipeline.Holder, m *metrics.Collector, monitor *pipeline.Monitor,
	maintenance *pipeline.Maintenance, logger *slog.Logger) *Server {
	srv := &Server{
		registry:    registry,
		store:       s,
		broker:      b,
		holder:      holder,
		metrics:     m,
		monitor:     monitor,
		maintenance: maintenance,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/generations", srv.handleGenerations)
	mux.HandleFunc("/versions", srv.handleVersions)
	mux.HandleFunc("/capacity", srv.handleCapacity)

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      LoggingMiddleware(logger)(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return srv
}

// Handler returns the configured HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start runs the HTTP listener. Blocks until Shutdown or failure.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Broker reachability decides health: with the broker down workers
	// halt and the process only serves stale reads.
	if _, err := s.broker.QueueDepth(r.Context(), broker.QueueEmbedding); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Pointer       *models.Pointer  `json:"pointer,omitempty"`
	HolderVersion string           `json:"holder_version,omitempty"`
	HolderSeq     uint64           `json:"holder_seq,omitempty"`
	QueueDepths   map[string]int64 `json:"queue_depths"`
	Metrics       metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		QueueDepths: make(map[string]int64, len(broker.Queues)),
		Metrics:     s.metrics.Snapshot(),
	}

	pointer, err := s.store.Pointer(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}
	resp.Pointer = pointer

	if version, seq, ok := s.holder.Current(); ok {
		resp.HolderVersion = version
		resp.HolderSeq = seq
	}
	for _, queue := range broker.Queues {
		depth, err := s.broker.QueueDepth(ctx, queue)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.QueueDepths[queue] = depth
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	gens, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := ListVersions(r.Context(), s.store)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type capacityResponse struct {
	Stats      *pipeline.CapacityStats   `json:"stats,omitempty"`
	LastSignal *pipeline.MigrationSignal `json:"last_signal,omitempty"`
	Alerts     []pipeline.Alert          `json:"alerts"`
}

func (s *Server) handleCapacity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, capacityResponse{
		Stats:      s.maintenance.Stats(),
		LastSignal: s.monitor.LastSignal(),
		Alerts:     s.monitor.Alerts(),
	})
}

// ListVersions reads every version metadata record, newest sequence
// first.
func ListVersions(ctx context.Context, s store.Store) ([]*models.IndexVersion, error) {
	objects, err := s.List(ctx, models.IndexesPrefix)
	if err != nil {
		return nil, err
	}
	versions := make([]*models.IndexVersion, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".meta") {
			continue
		}
		raw, err := s.Get(ctx, obj.Key)
		if err != nil {
			continue
		}
		var version models.IndexVersion
		if err := msgpack.Unmarshal(raw, &version); err != nil {
			slog.Warn("skipping unreadable version meta", "key", obj.Key, "error", err)
			continue
		}
		versions = append(versions, &version)
	}
	slices.SortFunc(versions, func(a, b *models.IndexVersion) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		default:
			return 0
		}
	})
	return versions, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
