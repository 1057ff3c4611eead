package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	meta Object
}

// MemoryStore keeps objects in process. Used when no MinIO endpoint is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) > MaxUploadSize {
		return Object{}, fmt.Errorf("blob: object exceeds the %d byte limit", MaxUploadSize)
	}
	meta := Object{Key: key, Size: int64(len(data)), ContentType: contentType, StoredAt: time.Now().UTC()}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, meta: meta}
	m.mu.Unlock()
	return meta, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, Object, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.meta, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// URL has no presigning to offer; callers get the key back as a path.
func (m *MemoryStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return "/blobs/" + key, nil
}
