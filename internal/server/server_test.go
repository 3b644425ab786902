package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/events"
	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/pipeline"
	"github.com/forgelabs/indexforge/internal/store"
)

type serverEnv struct {
	store  *store.Memory
	broker broker.Broker
	server *Server
}

func newServerEnv(t *testing.T, b broker.Broker) *serverEnv {
	t.Helper()
	st := store.NewMemory()
	if b == nil {
		mem := broker.NewMemory(broker.MemoryOptions{})
		t.Cleanup(func() { mem.Close() })
		b = mem
	}
	bus := events.NewMemory()
	t.Cleanup(func() { bus.Close() })

	registry := pipeline.NewRegistry(st)
	collector := metrics.NewCollector()
	holder := pipeline.NewHolder(st, bus, collector)
	monitor := pipeline.NewMonitor(registry, holder, collector)
	maintenance := pipeline.NewMaintenance(registry, st)

	srv := New("127.0.0.1:0", registry, st, b, holder, collector,
		monitor, maintenance, slog.Default())
	return &serverEnv{store: st, broker: b, server: srv}
}

func (e *serverEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "non-JSON response: %s", rec.Body.String())
	return rec, body
}

func (e *serverEnv) putVersion(t *testing.T, versionID string, seq uint64, vectors int) {
	t.Helper()
	meta, err := msgpack.Marshal(&models.IndexVersion{
		VersionID:   versionID,
		Seq:         seq,
		VectorCount: vectors,
		Dimension:   32,
		IndexKind:   "flat",
		StoragePath: models.IndexKey(versionID),
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Put(context.Background(), models.IndexMetaKey(versionID), meta))
}

func TestHealth(t *testing.T) {
	e := newServerEnv(t, nil)
	rec, body := e.get(t, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

// unreachableBroker simulates a lost broker connection.
type unreachableBroker struct {
	broker.Broker
}

func (unreachableBroker) QueueDepth(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("connection refused")
}

func TestHealthDegradedWithoutBroker(t *testing.T) {
	e := newServerEnv(t, unreachableBroker{})
	rec, body := e.get(t, "/health")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestStatusEmpty(t *testing.T) {
	e := newServerEnv(t, nil)
	rec, body := e.get(t, "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body["pointer"])
	depths, ok := body["queue_depths"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, depths, len(broker.Queues))
	for queue, depth := range depths {
		assert.EqualValues(t, 0, depth, "queue %s", queue)
	}
}

func TestStatusWithPointer(t *testing.T) {
	e := newServerEnv(t, nil)
	ctx := context.Background()

	e.putVersion(t, "v-aaa", 3, 100)
	require.NoError(t, e.store.SwapPointer(ctx, nil, &models.Pointer{VersionID: "v-aaa", Seq: 3}))
	_, err := e.broker.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	rec, body := e.get(t, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	pointer, ok := body["pointer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v-aaa", pointer["version_id"])
	assert.EqualValues(t, 3, pointer["seq"])

	depths := body["queue_depths"].(map[string]any)
	assert.EqualValues(t, 1, depths[broker.QueueEmbedding])
}

func TestGenerations(t *testing.T) {
	e := newServerEnv(t, nil)
	ctx := context.Background()

	registry := pipeline.NewRegistry(e.store)
	first, err := registry.Create(ctx, 100, 10, 10)
	require.NoError(t, err)
	second, err := registry.Create(ctx, 200, 10, 20)
	require.NoError(t, err)

	rec, body := e.get(t, "/generations")
	assert.Equal(t, http.StatusOK, rec.Code)

	gens, ok := body["generations"].([]any)
	require.True(t, ok)
	require.Len(t, gens, 2)

	// Newest sequence first.
	newest := gens[0].(map[string]any)
	assert.Equal(t, second.ID, newest["id"])
	oldest := gens[1].(map[string]any)
	assert.Equal(t, first.ID, oldest["id"])
	assert.Equal(t, string(models.GenerationPending), newest["status"])
}

func TestVersions(t *testing.T) {
	e := newServerEnv(t, nil)

	e.putVersion(t, "v-old", 1, 50)
	e.putVersion(t, "v-new", 2, 75)
	// A stray non-meta object under the prefix is skipped.
	require.NoError(t, e.store.Put(context.Background(), models.IndexKey("v-old"), []byte("blob")))

	rec, body := e.get(t, "/versions")
	assert.Equal(t, http.StatusOK, rec.Code)

	versions, ok := body["versions"].([]any)
	require.True(t, ok)
	require.Len(t, versions, 2)
	assert.Equal(t, "v-new", versions[0].(map[string]any)["version_id"])
	assert.Equal(t, "v-old", versions[1].(map[string]any)["version_id"])
}

func TestCapacityEmpty(t *testing.T) {
	e := newServerEnv(t, nil)
	rec, body := e.get(t, "/capacity")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body["stats"], "no cleanup has run")
	assert.Nil(t, body["last_signal"])
	alerts, ok := body["alerts"].([]any)
	require.True(t, ok)
	assert.Empty(t, alerts)
}

func TestListVersionsOrdering(t *testing.T) {
	e := newServerEnv(t, nil)
	for seq := 1; seq <= 5; seq++ {
		e.putVersion(t, fmt.Sprintf("v-%03d", seq), uint64(seq), seq*10)
	}

	versions, err := ListVersions(context.Background(), e.store)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	for i, version := range versions {
		assert.Equal(t, uint64(5-i), version.Seq)
	}
}
