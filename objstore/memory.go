// In-memory backend.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind Backend
// - Suitable for testing and ephemeral sessions

package objstore

import (
	"context"
	"strings"
	"sync"
)

// MemoryBackend implements Backend with an in-memory map.
// Data is lost when process terminates.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func memoryKey(namespace, path string) string {
	return namespace + "/" + path
}

// Get returns a copy of the stored bytes.
func (m *MemoryBackend) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[memoryKey(namespace, path)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// Put stores a copy of data, replacing any previous value.
func (m *MemoryBackend) Put(ctx context.Context, namespace, path string, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memoryKey(namespace, path)] = copied
	return nil
}

// List returns namespace-relative paths starting with prefix.
func (m *MemoryBackend) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root := namespace + "/"
	var paths []string
	for key := range m.objects {
		if !strings.HasPrefix(key, root) {
			continue
		}
		rel := key[len(root):]
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
	}
	return paths, nil
}

// Verify MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)
