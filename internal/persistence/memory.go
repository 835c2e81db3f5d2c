package persistence

import (
	"context"
	"sync"

	"github.com/systmms/cfgsecrets/internal/secure"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// MemoryPersistence keeps values sealed in process memory. It backs tests,
// dry runs and the CLI when no storage is configured.
type MemoryPersistence struct {
	name string

	mu     sync.RWMutex
	values map[string]*secure.SecureBuffer
}

// NewMemoryPersistence creates an empty in-memory backend.
func NewMemoryPersistence(name string) *MemoryPersistence {
	if name == "" {
		name = TypeMemory
	}
	return &MemoryPersistence{
		name:   name,
		values: make(map[string]*secure.SecureBuffer),
	}
}

// NewMemoryFactory creates an in-memory backend. It takes no settings.
func NewMemoryFactory(name string, _ map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewMemoryPersistence(name), nil
}

// Name returns the storage name.
func (m *MemoryPersistence) Name() string {
	return m.name
}

// Read returns a copy of the value stored at c.
func (m *MemoryPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := coordinate.Render(c)

	m.mu.RLock()
	buf, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return nil, secretstore.NotFoundError{Store: m.name, Coordinate: key}
	}
	return buf.Reveal()
}

// Write seals value under c, replacing any previous value.
func (m *MemoryPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := coordinate.Render(c)
	sealed := secure.Seal(value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.values[key]; ok {
		old.Destroy()
	}
	m.values[key] = sealed
	return nil
}

// Delete drops the value stored at c.
func (m *MemoryPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := coordinate.Render(c)

	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.values[key]
	if !ok {
		return secretstore.NotFoundError{Store: m.name, Coordinate: key}
	}
	buf.Destroy()
	delete(m.values, key)
	return nil
}

// Len returns the number of stored values.
func (m *MemoryPersistence) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
