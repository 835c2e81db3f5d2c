package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// fakeVaultServer implements the KV v2 endpoints used by VaultPersistence.
type fakeVaultServer struct {
	mu     sync.Mutex
	data   map[string]map[string]interface{}
	token  string
	logins int
}

func newFakeVaultServer(t *testing.T, token string) (*fakeVaultServer, *httptest.Server) {
	t.Helper()
	f := &fakeVaultServer{data: map[string]map[string]interface{}{}, token: token}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeVaultServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/v1/auth/userpass/login/ci" {
		f.logins++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"auth": map[string]string{"client_token": f.token},
		})
		return
	}

	if r.Header.Get("X-Vault-Token") != f.token {
		http.Error(w, `{"errors":["permission denied"]}`, http.StatusForbidden)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(path, "secret/data/"):
		key := strings.TrimPrefix(path, "secret/data/")
		d, ok := f.data[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": d},
		})
	case r.Method == http.MethodPost && strings.HasPrefix(path, "secret/data/"):
		key := strings.TrimPrefix(path, "secret/data/")
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.data[key] = body.Data
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]int{"version": 1}})
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "secret/metadata/"):
		key := strings.TrimPrefix(path, "secret/metadata/")
		if _, ok := f.data[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.data, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestVaultContract(t *testing.T) {
	t.Parallel()

	_, srv := newFakeVaultServer(t, "s.root")
	p, err := NewVaultPersistence("vault", map[string]interface{}{
		"address": srv.URL,
		"token":   "s.root",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	runPersistenceContract(t, p)
}

func TestVaultLayout(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeVaultServer(t, "s.root")
	p, err := NewVaultPersistence("vault", map[string]interface{}{
		"address": srv.URL,
		"token":   "s.root",
		"prefix":  "/airbyte/",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Write(ctx, coordinate.Managed{Base: "airbyte_ws_abc", Version: 1}, []byte("pw")))
	assert.Equal(t, "pw", fake.data["airbyte/airbyte_ws_abc_v1"]["value"])

	fake.data["teams/payments/stripe"] = map[string]interface{}{"api_key": "sk_customer", "port": 5432}

	got, err := p.Read(ctx, coordinate.External{ID: "teams/payments/stripe#api_key"})
	require.NoError(t, err)
	assert.Equal(t, "sk_customer", string(got))

	got, err = p.Read(ctx, coordinate.External{ID: "teams/payments/stripe#port"})
	require.NoError(t, err)
	assert.Equal(t, "5432", string(got))

	_, err = p.Read(ctx, coordinate.External{ID: "teams/payments/stripe#missing"})
	assert.True(t, secretstore.IsNotFound(err))
}

func TestVaultPermissionDenied(t *testing.T) {
	t.Parallel()

	_, srv := newFakeVaultServer(t, "s.root")
	p, err := NewVaultPersistence("vault", map[string]interface{}{
		"address": srv.URL,
		"token":   "s.wrong",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = p.Read(context.Background(), coordinate.External{ID: "a/b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, secretstore.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "403")
}

func TestVaultUserpassLogin(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeVaultServer(t, "s.issued")
	p, err := NewVaultPersistence("vault", map[string]interface{}{
		"address":           srv.URL,
		"auth_method":       "userpass",
		"userpass_username": "ci",
		"userpass_password": "ci-password",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx := context.Background()
	c := coordinate.Managed{Base: "airbyte_ws_abc", Version: 1}
	require.NoError(t, p.Write(ctx, c, []byte("v")))
	_, err = p.Read(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.logins, "token is reused after login")
}

func TestVaultLoginAgainAfterTokenExpires(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeVaultServer(t, "s.first")
	p, err := NewVaultPersistence("vault", map[string]interface{}{
		"address":           srv.URL,
		"auth_method":       "userpass",
		"userpass_username": "ci",
		"userpass_password": "ci-password",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx := context.Background()
	c := coordinate.Managed{Base: "airbyte_ws_abc", Version: 1}
	require.NoError(t, p.Write(ctx, c, []byte("v")))

	fake.mu.Lock()
	fake.token = "s.second"
	fake.mu.Unlock()

	_, err = p.Read(ctx, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	got, err := p.Read(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.logins)
}
