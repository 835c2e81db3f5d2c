package configsecrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/cfgsecrets/internal/config"
	"github.com/systmms/cfgsecrets/internal/persistence"
	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// ErrNoStorage is returned when no writable storage serves a scope.
var ErrNoStorage = errors.New("no secret storage configured for scope")

// StorageBinding is the pair of backends serving one scope.
type StorageBinding struct {
	// Managed receives every managed coordinate write.
	Managed   secretstore.SecretPersistence
	ManagedID string

	// External, when set, resolves external coordinates.
	External   secretstore.SecretPersistence
	ExternalID string
}

// Router returns the binding as a single SecretPersistence.
func (b StorageBinding) Router() *secretstore.Router {
	return secretstore.NewRouter(b.Managed, b.External)
}

// StorageResolver finds the storages serving a scope.
type StorageResolver interface {
	Resolve(ctx context.Context, scopeType references.ScopeType, scopeID string) (StorageBinding, error)
}

// StaticResolver binds scopes from the secret_storages section of the
// configuration file.
type StaticResolver struct {
	def      *config.Definition
	registry *persistence.Registry
}

// NewStaticResolver creates a resolver over def. Backends are opened through
// registry on first use.
func NewStaticResolver(def *config.Definition, registry *persistence.Registry) *StaticResolver {
	if registry == nil {
		registry = persistence.NewRegistry()
	}
	return &StaticResolver{def: def, registry: registry}
}

// Resolve picks, in storage name order, the first writable and the first
// read-only storage declared for the scope. A scope without a writable
// storage uses defaults.storage.
func (r *StaticResolver) Resolve(_ context.Context, scopeType references.ScopeType, scopeID string) (StorageBinding, error) {
	var managedName, externalName string
	for _, name := range r.def.StorageNames() {
		s := r.def.SecretStorages[name]
		st, id, err := s.Scope()
		if err != nil || st != scopeType || id != scopeID {
			continue
		}
		if s.ReadOnly {
			if externalName == "" {
				externalName = name
			}
		} else if managedName == "" {
			managedName = name
		}
	}
	if managedName == "" {
		managedName = r.def.Defaults.Storage
	}
	if managedName == "" {
		return StorageBinding{}, fmt.Errorf("%w %s/%s", ErrNoStorage, scopeType, scopeID)
	}

	var b StorageBinding
	managed, err := r.open(managedName)
	if err != nil {
		return StorageBinding{}, err
	}
	b.Managed, b.ManagedID = managed, managedName

	if externalName != "" {
		external, err := r.open(externalName)
		if err != nil {
			return StorageBinding{}, err
		}
		b.External, b.ExternalID = external, externalName
	}
	return b, nil
}

func (r *StaticResolver) open(name string) (secretstore.SecretPersistence, error) {
	s, ok := r.def.SecretStorages[name]
	if !ok {
		return nil, fmt.Errorf("storage %q is not configured", name)
	}
	return r.registry.Open(s.Descriptor(name))
}

// RowResolver binds scopes from SecretStorage rows in the reference store,
// falling back to another resolver for scopes without rows.
type RowResolver struct {
	store    references.Store
	registry *persistence.Registry
	def      *config.Definition
	fallback StorageResolver
}

// NewRowResolver creates a row-based resolver. def may be nil; when a row
// names a storage that def also declares, def's settings are used since rows
// never carry credentials.
func NewRowResolver(store references.Store, registry *persistence.Registry, def *config.Definition, fallback StorageResolver) *RowResolver {
	if registry == nil {
		registry = persistence.NewRegistry()
	}
	return &RowResolver{store: store, registry: registry, def: def, fallback: fallback}
}

// Resolve implements StorageResolver.
func (r *RowResolver) Resolve(ctx context.Context, scopeType references.ScopeType, scopeID string) (StorageBinding, error) {
	rows, err := r.store.StorageForScope(ctx, scopeType, scopeID)
	if err != nil {
		return StorageBinding{}, fmt.Errorf("look up storages for %s/%s: %w", scopeType, scopeID, err)
	}

	var managedRow, externalRow *references.SecretStorage
	for i := range rows {
		row := &rows[i]
		if row.ReadOnly {
			if externalRow == nil {
				externalRow = row
			}
		} else if managedRow == nil {
			managedRow = row
		}
	}

	var b StorageBinding
	if managedRow == nil {
		if r.fallback == nil {
			return StorageBinding{}, fmt.Errorf("%w %s/%s", ErrNoStorage, scopeType, scopeID)
		}
		fb, err := r.fallback.Resolve(ctx, scopeType, scopeID)
		if err != nil {
			return StorageBinding{}, err
		}
		b = fb
	} else {
		p, err := r.open(*managedRow)
		if err != nil {
			return StorageBinding{}, err
		}
		b.Managed, b.ManagedID = p, managedRow.ID
	}

	if externalRow != nil {
		p, err := r.open(*externalRow)
		if err != nil {
			return StorageBinding{}, err
		}
		b.External, b.ExternalID = p, externalRow.ID
	}
	return b, nil
}

func (r *RowResolver) open(row references.SecretStorage) (secretstore.SecretPersistence, error) {
	if r.def != nil {
		if s, ok := r.def.SecretStorages[row.Name]; ok && s.Type == row.Type {
			d := s.Descriptor(row.Name)
			d.ID = row.ID
			d.ReadOnly = row.ReadOnly
			return r.registry.Open(d)
		}
	}
	return r.registry.Open(persistence.Descriptor{
		ID:       row.ID,
		Name:     row.Name,
		Type:     row.Type,
		ReadOnly: row.ReadOnly,
		Settings: row.Descriptor,
	})
}

// RegisterStorages records every storage of def as a SecretStorage row.
func RegisterStorages(ctx context.Context, store references.Store, def *config.Definition) error {
	for _, name := range def.StorageNames() {
		if err := store.SaveStorage(ctx, def.SecretStorages[name].Record(name)); err != nil {
			return fmt.Errorf("register storage %s: %w", name, err)
		}
	}
	return nil
}
