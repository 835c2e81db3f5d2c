// Package persistence implements secretstore.SecretPersistence for every
// supported storage type and builds them from storage descriptors.
package persistence

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// Storage types understood by the registry.
const (
	TypeMemory            = "memory"
	TypeLocal             = "local"
	TypeAWSSecretsManager = "aws_secrets_manager"
	TypeAWSParameterStore = "aws_parameter_store"
	TypeGCPSecretManager  = "gcp_secret_manager"
	TypeAzureKeyVault     = "azure_key_vault"
	TypeVault             = "vault"
	TypeKeyring           = "keyring"
	TypeAkeyless          = "akeyless"
)

// Factory creates a backend from its descriptor settings.
type Factory func(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error)

// Descriptor identifies one configured storage.
type Descriptor struct {
	// ID is the cache key. Two descriptors with the same ID share a backend.
	ID       string
	Name     string
	Type     string
	ReadOnly bool
	Settings map[string]interface{}
}

// Registry manages backend creation and caches opened backends per storage.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	opened    map[string]secretstore.SecretPersistence
}

// NewRegistry creates a registry with the built-in storage types.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		opened:    make(map[string]secretstore.SecretPersistence),
	}

	r.RegisterFactory(TypeMemory, NewMemoryFactory)
	r.RegisterFactory(TypeLocal, NewLocalFactory)
	r.RegisterFactory(TypeAWSSecretsManager, NewAWSSecretsManagerFactory)
	r.RegisterFactory(TypeAWSParameterStore, NewAWSParameterStoreFactory)
	r.RegisterFactory(TypeGCPSecretManager, NewGCPSecretManagerFactory)
	r.RegisterFactory(TypeAzureKeyVault, NewAzureKeyVaultFactory)
	r.RegisterFactory(TypeVault, NewVaultFactory)
	r.RegisterFactory(TypeKeyring, NewKeyringFactory)
	r.RegisterFactory(TypeAkeyless, NewAkeylessFactory)

	return r
}

// RegisterFactory registers or replaces the factory for a storage type.
func (r *Registry) RegisterFactory(storageType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storageType] = factory
}

// IsSupported checks if a storage type is registered.
func (r *Registry) IsSupported(storageType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[storageType]
	return ok
}

// SupportedTypes returns the registered storage types, sorted.
func (r *Registry) SupportedTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds a new instrumented backend without caching it.
func (r *Registry) Create(d Descriptor) (secretstore.SecretPersistence, error) {
	r.mu.Lock()
	factory, ok := r.factories[d.Type]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", d.Type)
	}

	name := d.Name
	if name == "" {
		name = d.ID
	}
	settings := d.Settings
	if settings == nil {
		settings = map[string]interface{}{}
	}

	p, err := factory(name, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage %q: %w", d.Type, name, err)
	}

	p = Instrument(p)
	if d.ReadOnly {
		p = ReadOnly(p)
	}
	return p, nil
}

// Open returns the backend for d, creating it on first use.
func (r *Registry) Open(d Descriptor) (secretstore.SecretPersistence, error) {
	key := d.ID
	if key == "" {
		key = d.Type + "/" + d.Name
	}

	r.mu.Lock()
	if p, ok := r.opened[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := r.Create(d)
	if err != nil {
		return nil, err
	}

	return r.keep(key, p), nil
}

// keep caches p under key unless another caller got there first, in which
// case p is closed and the cached backend returned.
func (r *Registry) keep(key string, p secretstore.SecretPersistence) secretstore.SecretPersistence {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.opened[key]; ok {
		if c, ok := p.(io.Closer); ok {
			_ = c.Close()
		}
		return existing
	}
	r.opened[key] = p
	return p
}
