package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fs", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.BrokerBackend)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, "flat", cfg.IndexKind)
	assert.Equal(t, 0.95, cfg.RecallFloor)
	assert.Equal(t, time.Hour, cfg.RebuildInterval)
	assert.Equal(t, 24*time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 500_000, cfg.MaxVectors)
	assert.Equal(t, 100*time.Millisecond, cfg.MaxSearchP95)
	assert.Equal(t, 2, cfg.IndexingWorkers)
	assert.Equal(t, 1, cfg.MaintenanceWorkers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INDEXFORGE_STORE", "minio")
	t.Setenv("INDEXFORGE_BROKER", "redis")
	t.Setenv("INDEXFORGE_BATCH_SIZE", "250")
	t.Setenv("INDEXFORGE_RECALL_FLOOR", "0.9")
	t.Setenv("INDEXFORGE_BARRIER_TIMEOUT", "30m")
	t.Setenv("INDEXFORGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "minio", cfg.StoreBackend)
	assert.Equal(t, "redis", cfg.BrokerBackend)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 0.9, cfg.RecallFloor)
	assert.Equal(t, 30*time.Minute, cfg.BarrierTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexforge.yaml")
	overlay := `
batch_size: 500
index_kind: ivf
recall_floor: 0.97
rebuild_interval: 2h
embedding_workers: 3
`
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0644))
	t.Setenv("INDEXFORGE_CONFIG_FILE", path)
	t.Setenv("INDEXFORGE_BATCH_SIZE", "250")

	cfg, err := Load()
	require.NoError(t, err)

	// The file wins over the environment for overlay keys.
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, "ivf", cfg.IndexKind)
	assert.Equal(t, 0.97, cfg.RecallFloor)
	assert.Equal(t, 2*time.Hour, cfg.RebuildInterval)
	assert.Equal(t, 3, cfg.EmbeddingWorkers)
	// Untouched keys keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.CleanupInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("INDEXFORGE_STORE", "s3")
	_, err := Load()
	assert.Error(t, err)
	t.Setenv("INDEXFORGE_STORE", "fs")

	t.Setenv("INDEXFORGE_INDEX_KIND", "hnsw")
	_, err = Load()
	assert.Error(t, err)
	t.Setenv("INDEXFORGE_INDEX_KIND", "flat")

	t.Setenv("INDEXFORGE_RECALL_FLOOR", "1.5")
	_, err = Load()
	assert.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("index promoted", "version_id", "v-abc")

	assert.Contains(t, stderr.String(), "index promoted")
	assert.Contains(t, stderr.String(), "v-abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "index promoted", entry["msg"])
	assert.Equal(t, "v-abc", entry["version_id"])
}
