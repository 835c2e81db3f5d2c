package references

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// MemoryStore keeps rows in process memory. It is used by tests and by CLI
// runs without a configured database.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	configs  map[string]SecretConfig // by configKey
	refs     []SecretReference
	storages map[string]SecretStorage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		configs:  make(map[string]SecretConfig),
		storages: make(map[string]SecretStorage),
	}
}

// Commit implements Store.
func (m *MemoryStore) Commit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	// validate before touching anything so a conflict leaves no trace
	for _, cfg := range c.NewConfigs {
		if cfg.Version <= 1 {
			continue
		}
		if latest, ok := m.latestLocked(cfg.Coordinate); ok && latest >= cfg.Version {
			return StateConflictError{Base: cfg.Coordinate, Requested: cfg.Version, Latest: latest}
		}
	}

	for _, cfg := range c.NewConfigs {
		if _, exists := m.configs[configKey(cfg.Coordinate, cfg.Version)]; exists {
			continue
		}
		m.insertConfigLocked(fillConfig(cfg, c, now))
	}

	active := make(map[string]int)
	for i, r := range m.refs {
		if r.OwnerID == c.OwnerID && r.Active {
			active[r.Path] = i
		}
	}

	seen := make(map[string]bool, len(c.Paths))
	for _, pc := range c.Paths {
		seen[pc.Path] = true
		base, version := coordKey(pc.Coordinate)

		cfg, ok := m.configs[configKey(base, version)]
		if !ok {
			cfg = m.insertConfigLocked(backfillConfig(pc.Coordinate, c, now))
		}

		if i, ok := active[pc.Path]; ok {
			if m.refs[i].SecretConfigID == cfg.ID {
				continue
			}
			m.retireLocked(i, now)
		}
		m.refs = append(m.refs, SecretReference{
			ID:             uuid.NewString(),
			OwnerID:        c.OwnerID,
			Path:           pc.Path,
			SecretConfigID: cfg.ID,
			Active:         true,
			CreatedAt:      now,
		})
	}

	// paths whose secret was removed from the configuration
	for path, i := range active {
		if !seen[path] {
			m.retireLocked(i, now)
		}
	}
	return nil
}

func (m *MemoryStore) insertConfigLocked(cfg SecretConfig) SecretConfig {
	m.configs[configKey(cfg.Coordinate, cfg.Version)] = cfg
	return cfg
}

func (m *MemoryStore) retireLocked(i int, now time.Time) {
	retired := now
	m.refs[i].Active = false
	m.refs[i].RetiredAt = &retired
}

func (m *MemoryStore) latestLocked(base string) (uint64, bool) {
	var latest uint64
	found := false
	for _, cfg := range m.configs {
		if cfg.AirbyteManaged && cfg.Coordinate == base && cfg.Version >= latest {
			latest, found = cfg.Version, true
		}
	}
	return latest, found
}

// ActiveReferences implements Store.
func (m *MemoryStore) ActiveReferences(ctx context.Context, ownerID string) ([]SecretReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SecretReference
	for _, r := range m.refs {
		if r.OwnerID == ownerID && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// References returns every reference of the owner, retired ones included.
func (m *MemoryStore) References(ownerID string) []SecretReference {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SecretReference
	for _, r := range m.refs {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out
}

// SecretConfigByCoordinate implements Store.
func (m *MemoryStore) SecretConfigByCoordinate(ctx context.Context, base string, version uint64) (SecretConfig, error) {
	if err := ctx.Err(); err != nil {
		return SecretConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[configKey(base, version)]
	if !ok {
		return SecretConfig{}, ErrNotFound
	}
	return cfg, nil
}

// LatestVersion implements Store.
func (m *MemoryStore) LatestVersion(ctx context.Context, base string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.latestLocked(base)
	return v, ok, nil
}

// SaveStorage implements Store.
func (m *MemoryStore) SaveStorage(ctx context.Context, s SecretStorage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if existing, ok := m.storages[s.ID]; ok {
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	m.storages[s.ID] = s
	return nil
}

// StorageForScope implements Store.
func (m *MemoryStore) StorageForScope(ctx context.Context, scopeType ScopeType, scopeID string) ([]SecretStorage, error) {
	all, err := m.ListStorages(ctx)
	if err != nil {
		return nil, err
	}
	var out []SecretStorage
	for _, s := range all {
		if s.ScopeType == scopeType && s.ScopeID == scopeID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListStorages implements Store.
func (m *MemoryStore) ListStorages(ctx context.Context) ([]SecretStorage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SecretStorage, 0, len(m.storages))
	for _, s := range m.storages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func fillConfig(cfg SecretConfig, c Commit, now time.Time) SecretConfig {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ScopeType == "" {
		cfg.ScopeType = c.ScopeType
	}
	if cfg.ScopeID == "" {
		cfg.ScopeID = c.ScopeID
	}
	if cfg.StorageID == "" {
		cfg.StorageID = c.StorageID
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	return cfg
}

// backfillConfig builds the row for a coordinate that predates dual-write.
func backfillConfig(c coordinate.Coordinate, commit Commit, now time.Time) SecretConfig {
	base, version := coordKey(c)
	storageID := commit.StorageID
	if !coordinate.IsManaged(c) {
		storageID = commit.ExternalStorageID
	}
	return SecretConfig{
		ID:             uuid.NewString(),
		ScopeType:      commit.ScopeType,
		ScopeID:        commit.ScopeID,
		StorageID:      storageID,
		Coordinate:     base,
		Version:        version,
		AirbyteManaged: coordinate.IsManaged(c),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var _ Store = (*MemoryStore)(nil)
