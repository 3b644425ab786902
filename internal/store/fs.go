package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forgelabs/indexforge/internal/models"
)

// FS is a filesystem-backed Store rooted at a directory. Suitable for a
// single-node deployment; the pointer CAS is serialized by an in-process
// mutex plus atomic rename, so multiple processes must not share a root.
type FS struct {
	root string

	// ptrMu serializes pointer read-compare-write cycles.
	ptrMu sync.Mutex
}

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FS) Put(_ context.Context, key string, data []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (f *FS) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (f *FS) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (f *FS) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

func (f *FS) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return infos, nil
}

func (f *FS) Pointer(ctx context.Context) (*models.Pointer, error) {
	data, err := f.Get(ctx, models.PointerKey)
	if err != nil {
		return nil, err
	}
	var ptr models.Pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("decode pointer: %w", err)
	}
	return &ptr, nil
}

func (f *FS) SwapPointer(ctx context.Context, expect, next *models.Pointer) error {
	f.ptrMu.Lock()
	defer f.ptrMu.Unlock()

	stored, err := f.Pointer(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if !pointerMatches(stored, expect) {
		return ErrPointerConflict
	}

	ptr := *next
	if ptr.UpdatedAt.IsZero() {
		ptr.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&ptr)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	return f.Put(ctx, models.PointerKey, data)
}

var _ Store = (*FS)(nil)
