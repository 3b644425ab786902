package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/indexforge/internal/models"
)

// Requires a running MinIO; configure with INDEXFORGE_TEST_MINIO.
func newTestMinIO(t *testing.T) *MinIO {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}
	endpoint := os.Getenv("INDEXFORGE_TEST_MINIO")
	if endpoint == "" {
		t.Skip("INDEXFORGE_TEST_MINIO not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewMinIO(ctx, MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "indexforge-test",
	})
	require.NoError(t, err)
	return s
}

func TestMinIORoundTrip(t *testing.T) {
	s := newTestMinIO(t)
	ctx := context.Background()
	key := "embeddings/test/batch_0000"

	require.NoError(t, s.Put(ctx, key, []byte("payload")))
	defer s.Delete(ctx, key)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	objects, err := s.List(ctx, "embeddings/test/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, key, objects[0].Key)
}

func TestMinIOSwapPointer(t *testing.T) {
	s := newTestMinIO(t)
	ctx := context.Background()
	defer s.Delete(ctx, models.PointerKey)

	first := &models.Pointer{VersionID: "v-mtest1", Seq: 1, UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.SwapPointer(ctx, nil, first))

	err := s.SwapPointer(ctx, nil, &models.Pointer{VersionID: "v-mtest2", Seq: 2})
	assert.ErrorIs(t, err, ErrPointerConflict)

	require.NoError(t, s.SwapPointer(ctx, first,
		&models.Pointer{VersionID: "v-mtest2", Seq: 2, UpdatedAt: time.Now().UTC()}))
	got, err := s.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v-mtest2", got.VersionID)
}
