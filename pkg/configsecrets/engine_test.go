package configsecrets

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgsecrets/internal/config"
	"github.com/systmms/cfgsecrets/internal/persistence"
	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

const apiKeySchema = `{
	"type": "object",
	"properties": {
		"host": {"type": "string"},
		"api_key": {"type": "string", "airbyte_secret": true},
		"replicas": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"password": {"type": "string", "airbyte_secret": true}
				}
			}
		},
		"credentials": {
			"type": "object",
			"oneOf": [
				{
					"properties": {
						"auth_type": {"const": "oauth"},
						"client_secret": {"type": "string", "airbyte_secret": true}
					}
				},
				{
					"properties": {
						"auth_type": {"const": "basic"},
						"password": {"type": "string", "airbyte_secret": true}
					}
				}
			]
		}
	}
}`

const testConfig = `
defaults:
  scope_id: instance-default
  storage: managed
secret_storages:
  managed:
    type: memory
  customer-vault:
    type: memory
    scope_type: workspace
    scope_id: ws-42
    read_only: true
`

var v1Pattern = regexp.MustCompile(`^airbyte_ws-42_[0-9a-f-]{36}_v1$`)

type fixture struct {
	def      *config.Definition
	registry *persistence.Registry
	refs     *references.MemoryStore
	engine   *Engine
}

func newFixture(t *testing.T, mode references.WriteMode) *fixture {
	t.Helper()

	def, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	f := &fixture{def: def, registry: persistence.NewRegistry(), refs: references.NewMemoryStore()}
	f.engine = New(NewStaticResolver(def, f.registry),
		WithFormat(def.Format()),
		WithReferenceStore(f.refs, mode),
		WithDefaultScope(def.Defaults.ScopeID),
	)
	return f
}

func (f *fixture) storage(t *testing.T, name string) secretstore.SecretPersistence {
	t.Helper()
	p, err := f.registry.Open(f.def.SecretStorages[name].Descriptor(name))
	require.NoError(t, err)
	return p
}

func mustJSON(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestEngineRotationScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, references.ModeDualWrite)

	first, err := f.engine.Split(ctx, SplitRequest{
		ScopeID: "ws-42",
		OwnerID: "source-1",
		Config:  map[string]interface{}{"api_key": "sk_live_123"},
		Schema:  []byte(apiKeySchema),
	})
	require.NoError(t, err)

	c1 := first.Redacted["api_key"].(string)
	assert.Regexp(t, v1Pattern, c1)
	require.Len(t, first.SecretConfigs, 1)
	assert.Equal(t, uint64(1), first.SecretConfigs[0].Version)
	assert.Equal(t, "managed", first.StorageID)

	second, err := f.engine.Split(ctx, SplitRequest{
		ScopeID:  "ws-42",
		OwnerID:  "source-1",
		Config:   map[string]interface{}{"api_key": "sk_live_456"},
		Schema:   []byte(apiKeySchema),
		Previous: first.Redacted,
	})
	require.NoError(t, err)

	c2 := second.Redacted["api_key"].(string)
	assert.Equal(t, strings.TrimSuffix(c1, "_v1")+"_v2", c2)
	require.Len(t, second.SecretConfigs, 1)
	assert.Equal(t, uint64(2), second.SecretConfigs[0].Version)

	// garbage collection removed v1 only
	old, err := f.engine.ParseCoordinate(c1)
	require.NoError(t, err)
	require.NoError(t, f.storage(t, "managed").Delete(ctx, old))

	full, err := f.engine.Hydrate(ctx, HydrateRequest{ScopeID: "ws-42", Config: second.Redacted})
	require.NoError(t, err)
	assert.Equal(t, "sk_live_456", full["api_key"])

	refs, err := f.refs.ActiveReferences(ctx, "source-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	row, err := f.refs.SecretConfigByCoordinate(ctx, second.SecretConfigs[0].Coordinate, 2)
	require.NoError(t, err)
	assert.Equal(t, row.ID, refs[0].SecretConfigID)
	assert.Equal(t, references.ScopeWorkspace, row.ScopeType)
	assert.Equal(t, "managed", row.StorageID)
	assert.Len(t, f.refs.References("source-1"), 2)
}

func TestEngineRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, references.ModeLegacy)
	raw := `{
		"host": "db.example.com",
		"api_key": "sk_live_123",
		"replicas": [{"name": "a", "password": "p1"}, {"name": "b", "password": "p2"}],
		"credentials": {"auth_type": "oauth", "client_secret": "cs"}
	}`

	res, err := f.engine.Split(ctx, SplitRequest{ScopeID: "ws-42", Config: mustJSON(t, raw), Schema: []byte(apiKeySchema)})
	require.NoError(t, err)
	assert.Len(t, res.SecretConfigs, 4)
	assert.NotContains(t, mustMarshal(t, res.Redacted), "sk_live_123")

	full, err := f.engine.Hydrate(ctx, HydrateRequest{ScopeID: "ws-42", Config: res.Redacted})
	require.NoError(t, err)
	assert.Equal(t, mustJSON(t, raw), full)

	// legacy mode records nothing
	refs, err := f.refs.ActiveReferences(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestEngineIdempotentResplit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, references.ModeDualWrite)

	first, err := f.engine.Split(ctx, SplitRequest{
		ScopeID: "ws-42",
		OwnerID: "source-1",
		Config:  mustJSON(t, `{"api_key": "k", "replicas": [{"password": "p"}]}`),
		Schema:  []byte(apiKeySchema),
	})
	require.NoError(t, err)

	again, err := f.engine.Split(ctx, SplitRequest{
		ScopeID:  "ws-42",
		OwnerID:  "source-1",
		Config:   first.Redacted,
		Schema:   []byte(apiKeySchema),
		Previous: first.Redacted,
	})
	require.NoError(t, err)
	assert.Empty(t, again.SecretConfigs)
	assert.Equal(t, first.Redacted, again.Redacted)
	assert.Len(t, f.refs.References("source-1"), 2, "no reference churn")
}

func TestEngineExternalSecrets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ext := coordinate.External{ID: "secret/data/db#password"}

	// stands in for a customer vault cfgsecrets can only read
	vault := persistence.NewMemoryPersistence("customer-vault")
	require.NoError(t, vault.Write(ctx, ext, []byte("hunter2")))

	registry := persistence.NewRegistry()
	registry.RegisterFactory("customer", func(string, map[string]interface{}) (secretstore.SecretPersistence, error) {
		return vault, nil
	})
	def := &config.Definition{
		Version:  config.CurrentVersion,
		Defaults: config.DefaultsConfig{Storage: "managed"},
		SecretStorages: map[string]config.SecretStorageConfig{
			"managed":        {Type: persistence.TypeMemory},
			"customer-vault": {Type: "customer", ScopeType: "workspace", ScopeID: "ws-42", ReadOnly: true},
		},
	}
	refs := references.NewMemoryStore()
	engine := New(NewStaticResolver(def, registry), WithReferenceStore(refs, references.ModeDualWrite))

	res, err := engine.Split(ctx, SplitRequest{
		ScopeID: "ws-42",
		OwnerID: "dest-1",
		Config:  map[string]interface{}{"api_key": coordinate.ReferenceObject(ext)},
		Schema:  []byte(apiKeySchema),
	})
	require.NoError(t, err)
	assert.Empty(t, res.SecretConfigs)
	assert.Equal(t, coordinate.ReferenceObject(ext), res.Redacted["api_key"])

	full, err := engine.Hydrate(ctx, HydrateRequest{ScopeID: "ws-42", Config: res.Redacted})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", full["api_key"])

	row, err := refs.SecretConfigByCoordinate(ctx, ext.ID, 0)
	require.NoError(t, err)
	assert.False(t, row.AirbyteManaged)
	assert.Equal(t, "customer-vault", row.StorageID)

	// the read-only storage refuses writes even when addressed directly
	opened, err := registry.Open(def.SecretStorages["customer-vault"].Descriptor("customer-vault"))
	require.NoError(t, err)
	assert.Error(t, opened.Write(ctx, coordinate.Managed{Base: "airbyte_ws-42_x", Version: 1}, []byte("x")))
}

func TestEngineAtomicOnBackendFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := persistence.NewRegistry()
	var writes int32
	registry.RegisterFactory("flaky", func(name string, _ map[string]interface{}) (secretstore.SecretPersistence, error) {
		return &flakyStore{SecretPersistence: persistence.NewMemoryPersistence(name), writes: &writes}, nil
	})

	def := &config.Definition{
		Version:        config.CurrentVersion,
		Defaults:       config.DefaultsConfig{Storage: "flaky"},
		SecretStorages: map[string]config.SecretStorageConfig{"flaky": {Type: "flaky"}},
	}
	refs := references.NewMemoryStore()
	engine := New(NewStaticResolver(def, registry), WithReferenceStore(refs, references.ModeDualWrite))

	res, err := engine.Split(ctx, SplitRequest{
		ScopeID: "ws-42",
		OwnerID: "source-1",
		Config:  mustJSON(t, `{"api_key": "k", "replicas": [{"password": "p1"}, {"password": "p2"}]}`),
		Schema:  []byte(apiKeySchema),
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, secretstore.ErrStorageUnavailable)

	var commitErr CommitError
	assert.False(t, errors.As(err, &commitErr))

	active, err := refs.ActiveReferences(ctx, "source-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

type flakyStore struct {
	secretstore.SecretPersistence
	writes *int32
}

func (f *flakyStore) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	if atomic.AddInt32(f.writes, 1) == 2 {
		return secretstore.UnavailableError{Store: f.Name(), Op: "write", Err: errors.New("throttled")}
	}
	return f.SecretPersistence.Write(ctx, c, value)
}

type failingCommitStore struct {
	*references.MemoryStore
}

func (failingCommitStore) Commit(context.Context, references.Commit) error {
	return errors.New("connection refused")
}

func TestEngineCommitFailureReturnsResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	def, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	engine := New(NewStaticResolver(def, nil),
		WithReferenceStore(failingCommitStore{references.NewMemoryStore()}, references.ModeDualWrite))

	res, err := engine.Split(ctx, SplitRequest{
		ScopeID: "ws-42",
		OwnerID: "source-1",
		Config:  map[string]interface{}{"api_key": "k"},
		Schema:  []byte(apiKeySchema),
	})
	require.Error(t, err)

	var commitErr CommitError
	require.ErrorAs(t, err, &commitErr)
	require.NotNil(t, res)
	assert.Regexp(t, v1Pattern, res.Redacted["api_key"])

	// the value was stored before the commit was attempted
	full, err := engine.Hydrate(ctx, HydrateRequest{ScopeID: "ws-42", Config: res.Redacted})
	require.NoError(t, err)
	assert.Equal(t, "k", full["api_key"])
}

func TestEngineStateConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, references.ModeDualWrite)

	first, err := f.engine.Split(ctx, SplitRequest{ScopeID: "ws-42", OwnerID: "source-1", Config: map[string]interface{}{"api_key": "a"}, Schema: []byte(apiKeySchema)})
	require.NoError(t, err)
	_, err = f.engine.Split(ctx, SplitRequest{ScopeID: "ws-42", OwnerID: "source-1", Config: map[string]interface{}{"api_key": "b"}, Schema: []byte(apiKeySchema), Previous: first.Redacted})
	require.NoError(t, err)

	// a writer still holding the v1 configuration loses the race
	_, err = f.engine.Split(ctx, SplitRequest{ScopeID: "ws-42", OwnerID: "source-1", Config: map[string]interface{}{"api_key": "c"}, Schema: []byte(apiKeySchema), Previous: first.Redacted})
	require.Error(t, err)
	assert.ErrorIs(t, err, references.ErrStateConflict)
}

func TestEngineEmptySecretSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, references.ModeDualWrite)
	res, err := f.engine.Split(context.Background(), SplitRequest{
		ScopeID: "ws-42",
		OwnerID: "source-1",
		Config:  map[string]interface{}{"api_key": ""},
		Schema:  []byte(apiKeySchema),
	})
	require.NoError(t, err)
	assert.Empty(t, res.SecretConfigs)
	assert.Empty(t, res.Paths)
	assert.Equal(t, "", res.Redacted["api_key"])
}

func TestEngineScopes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, references.ModeLegacy)

	res, err := f.engine.Split(ctx, SplitRequest{Config: map[string]interface{}{"api_key": "k"}, Schema: []byte(apiKeySchema)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Redacted["api_key"].(string), "airbyte_instance-default_"))

	bare := New(NewStaticResolver(&config.Definition{}, nil))
	_, err = bare.Split(ctx, SplitRequest{Config: map[string]interface{}{"api_key": "k"}, Schema: []byte(apiKeySchema)})
	assert.Error(t, err)
	_, err = bare.Split(ctx, SplitRequest{ScopeID: "ws-1", Config: map[string]interface{}{"api_key": "k"}, Schema: []byte(apiKeySchema)})
	assert.ErrorIs(t, err, ErrNoStorage)
	_, err = bare.Hydrate(ctx, HydrateRequest{ScopeID: "ws-1", Config: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrNoStorage)

	_, err = f.engine.Split(ctx, SplitRequest{ScopeID: "ws-42", Config: map[string]interface{}{}, Schema: []byte("{not json")})
	assert.Error(t, err)

	dual := newFixture(t, references.ModeDualWrite)
	_, err = dual.engine.Split(ctx, SplitRequest{ScopeID: "ws-42", Config: map[string]interface{}{}, Schema: []byte(apiKeySchema)})
	assert.Error(t, err, "dual write needs an owner")
}

func TestEngineCoordinates(t *testing.T) {
	t.Parallel()

	e := New(nil, WithFormat(coordinate.Format{Prefix: "acme_"}), WithSecretMarkers("x-secret"))

	c, err := e.ParseCoordinate("acme_org-7_abc_v3")
	require.NoError(t, err)
	assert.Equal(t, coordinate.Managed{Base: "acme_org-7_abc", Version: 3}, c)
	assert.Equal(t, "acme_org-7_abc_v3", e.RenderCoordinate(c))

	c, err = e.ParseCoordinate("airbyte_ws_abc_v1")
	require.NoError(t, err)
	assert.Equal(t, coordinate.External{ID: "airbyte_ws_abc_v1"}, c)

	_, err = e.ParseCoordinate("")
	assert.ErrorIs(t, err, coordinate.ErrMalformedCoordinate)
	assert.Equal(t, "acme_", e.Format().Prefix)
}

func TestRowResolver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	def, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	store := references.NewMemoryStore()
	require.NoError(t, RegisterStorages(ctx, store, def))

	all, err := store.ListStorages(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	registry := persistence.NewRegistry()
	resolver := NewRowResolver(store, registry, def, NewStaticResolver(def, registry))

	b, err := resolver.Resolve(ctx, references.ScopeWorkspace, "ws-42")
	require.NoError(t, err)
	assert.Equal(t, "managed", b.ManagedID, "ws-42 has no writable row and falls back")
	assert.Equal(t, "customer-vault", b.ExternalID)

	b, err = resolver.Resolve(ctx, references.ScopeInstance, "")
	require.NoError(t, err)
	assert.Equal(t, "managed", b.ManagedID)
	assert.Nil(t, b.External)

	noFallback := NewRowResolver(store, registry, nil, nil)
	_, err = noFallback.Resolve(ctx, references.ScopeOrganization, "org-7")
	assert.ErrorIs(t, err, ErrNoStorage)
}

func mustMarshal(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
