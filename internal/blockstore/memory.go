package blockstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"boxd/internal/box"
)

// MemoryStore is an in-memory implementation of the BlockStore interface.
// It keeps all objects in a map, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates a new in-memory block store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get retrieves the object stored under locator.
func (m *MemoryStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[locator]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", locator, box.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put stores data under locator, replacing any previous object.
func (m *MemoryStore) Put(ctx context.Context, locator string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[locator] = stored
	return nil
}

// Delete removes the object under locator. Missing objects are ignored.
func (m *MemoryStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, locator)
	return nil
}

// List returns the locators of all objects under the given prefix.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var locators []string
	for locator := range m.objects {
		if strings.HasPrefix(locator, prefix) {
			locators = append(locators, locator)
		}
	}
	return locators, nil
}

// Compile-time check that MemoryStore implements box.BlockStore.
var _ box.BlockStore = (*MemoryStore)(nil)
