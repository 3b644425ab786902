package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/indexforge/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fs,
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "embeddings/g1/batch_0000", []byte("payload")))
			data, err := s.Get(ctx, "embeddings/g1/batch_0000")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), data)

			ok, err := s.Exists(ctx, "embeddings/g1/batch_0000")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, "embeddings/g1/batch_0000"))
			ok, err = s.Exists(ctx, "embeddings/g1/batch_0000")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestList(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "embeddings/g1/batch_0000", []byte("a")))
			require.NoError(t, s.Put(ctx, "embeddings/g1/batch_0001", []byte("bb")))
			require.NoError(t, s.Put(ctx, "embeddings/g2/batch_0000", []byte("c")))

			objects, err := s.List(ctx, "embeddings/g1/")
			require.NoError(t, err)
			require.Len(t, objects, 2)
			keys := []string{objects[0].Key, objects[1].Key}
			assert.Contains(t, keys, "embeddings/g1/batch_0000")
			assert.Contains(t, keys, "embeddings/g1/batch_0001")
		})
	}
}

func TestSwapPointer(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Pointer(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			first := &models.Pointer{VersionID: "v-a", Seq: 1, UpdatedAt: time.Now().UTC()}
			require.NoError(t, s.SwapPointer(ctx, nil, first))

			got, err := s.Pointer(ctx)
			require.NoError(t, err)
			assert.Equal(t, "v-a", got.VersionID)
			assert.Equal(t, uint64(1), got.Seq)

			// Create-if-absent loses once a pointer exists.
			err = s.SwapPointer(ctx, nil, &models.Pointer{VersionID: "v-b", Seq: 2})
			assert.ErrorIs(t, err, ErrPointerConflict)

			// Wrong expectation loses.
			err = s.SwapPointer(ctx, &models.Pointer{VersionID: "v-x", Seq: 9},
				&models.Pointer{VersionID: "v-b", Seq: 2})
			assert.ErrorIs(t, err, ErrPointerConflict)

			// Correct expectation wins.
			require.NoError(t, s.SwapPointer(ctx, first,
				&models.Pointer{VersionID: "v-b", Seq: 2, UpdatedAt: time.Now().UTC()}))
			got, err = s.Pointer(ctx)
			require.NoError(t, err)
			assert.Equal(t, "v-b", got.VersionID)
		})
	}
}

func TestSwapPointerConcurrent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			const writers = 16
			var wg sync.WaitGroup
			wins := make(chan string, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					p := &models.Pointer{VersionID: "v-" + string(rune('a'+i)), Seq: uint64(i + 1)}
					if err := s.SwapPointer(ctx, nil, p); err == nil {
						wins <- p.VersionID
					}
				}(i)
			}
			wg.Wait()
			close(wins)

			var winners []string
			for w := range wins {
				winners = append(winners, w)
			}
			require.Len(t, winners, 1, "exactly one create-if-absent must win")

			got, err := s.Pointer(ctx)
			require.NoError(t, err)
			assert.Equal(t, winners[0], got.VersionID)
		})
	}
}
