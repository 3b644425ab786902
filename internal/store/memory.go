package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgelabs/indexforge/internal/models"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	pointer *models.Pointer
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *Memory) Pointer(_ context.Context) (*models.Pointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pointer == nil {
		return nil, ErrNotFound
	}
	ptr := *m.pointer
	return &ptr, nil
}

func (m *Memory) SwapPointer(_ context.Context, expect, next *models.Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !pointerMatches(m.pointer, expect) {
		return ErrPointerConflict
	}
	ptr := *next
	if ptr.UpdatedAt.IsZero() {
		ptr.UpdatedAt = time.Now().UTC()
	}
	m.pointer = &ptr

	// Keep the serialized record consistent with blob reads.
	data, err := json.Marshal(&ptr)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	m.objects[models.PointerKey] = data
	return nil
}

var _ Store = (*Memory)(nil)
