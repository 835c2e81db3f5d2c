package persistence

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

const (
	defaultVaultMount  = "secret"
	defaultVaultPrefix = "cfgsecrets"
	defaultVaultField  = "value"
)

// VaultConfig holds settings for the Vault KV v2 backend.
type VaultConfig struct {
	Address    string
	Token      string
	AuthMethod string // token, userpass, kubernetes
	Namespace  string
	Mount      string
	Prefix     string

	UserpassUsername string
	UserpassPassword string
	K8SRole          string

	TLSSkip bool
}

// VaultPersistence talks to the Vault HTTP API directly. Managed
// coordinates live at <mount>/data/<prefix>/<coordinate> in the "value"
// field. External ids are paths under the mount, optionally suffixed with
// "#field".
type VaultPersistence struct {
	name    string
	config  VaultConfig
	client  *http.Client
	timeout time.Duration

	mu    sync.Mutex
	token string
}

// VaultOption configures a VaultPersistence.
type VaultOption func(*VaultPersistence)

// WithHTTPClient sets the HTTP client used for Vault requests.
func WithHTTPClient(client *http.Client) VaultOption {
	return func(v *VaultPersistence) {
		v.client = client
	}
}

// NewVaultPersistence creates a Vault KV v2 backend.
//
// Settings: address (or VAULT_ADDR), token (or VAULT_TOKEN), auth_method,
// namespace, mount, prefix, userpass_username, userpass_password,
// k8s_role, tls_skip.
func NewVaultPersistence(name string, settings map[string]interface{}, opts ...VaultOption) (*VaultPersistence, error) {
	cfg := VaultConfig{
		Address:          stringSetting(settings, "address", os.Getenv("VAULT_ADDR")),
		Token:            stringSetting(settings, "token", ""),
		AuthMethod:       stringSetting(settings, "auth_method", "token"),
		Namespace:        stringSetting(settings, "namespace", ""),
		Mount:            strings.Trim(stringSetting(settings, "mount", defaultVaultMount), "/"),
		Prefix:           strings.Trim(stringSetting(settings, "prefix", defaultVaultPrefix), "/"),
		UserpassUsername: stringSetting(settings, "userpass_username", ""),
		UserpassPassword: stringSetting(settings, "userpass_password", ""),
		K8SRole:          stringSetting(settings, "k8s_role", ""),
		TLSSkip:          boolSetting(settings, "tls_skip", false),
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%s requires the \"address\" setting or VAULT_ADDR", TypeVault)
	}

	v := &VaultPersistence{
		name:    name,
		config:  cfg,
		timeout: timeoutSetting(settings),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: v.timeout}
		if cfg.TLSSkip {
			v.client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for dev servers
			}
		}
	}
	return v, nil
}

// NewVaultFactory creates a Vault backend from settings.
func NewVaultFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewVaultPersistence(name, settings)
}

// Name returns the storage name.
func (v *VaultPersistence) Name() string {
	return v.name
}

func (v *VaultPersistence) location(c coordinate.Coordinate) (path, field string) {
	field = defaultVaultField
	if ext, ok := c.(coordinate.External); ok {
		path = strings.Trim(ext.ID, "/")
		if idx := strings.LastIndex(path, "#"); idx >= 0 {
			path, field = path[:idx], path[idx+1:]
		}
		return path, field
	}
	rendered := coordinate.Render(c)
	if v.config.Prefix == "" {
		return rendered, field
	}
	return v.config.Prefix + "/" + rendered, field
}

// Read returns the field of the latest KV version for c.
func (v *VaultPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	path, field := v.location(c)

	var response struct {
		Data struct {
			Data map[string]interface{} `json:"data"`
		} `json:"data"`
	}
	status, err := v.do(ctx, http.MethodGet, v.config.Mount+"/data/"+path, nil, &response)
	if err != nil {
		return nil, secretstore.UnavailableError{Store: v.name, Op: "read", Err: err}
	}
	if status == http.StatusNotFound {
		return nil, secretstore.NotFoundError{Store: v.name, Coordinate: path}
	}

	raw, ok := response.Data.Data[field]
	if !ok || raw == nil {
		return nil, secretstore.NotFoundError{Store: v.name, Coordinate: path + "#" + field}
	}
	if s, ok := raw.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(raw)
}

// Write stores value in a new KV version for c.
func (v *VaultPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	path, field := v.location(c)
	body := map[string]interface{}{
		"data": map[string]string{field: string(value)},
	}
	if _, err := v.do(ctx, http.MethodPost, v.config.Mount+"/data/"+path, body, nil); err != nil {
		return secretstore.UnavailableError{Store: v.name, Op: "write", Err: err}
	}
	return nil
}

// Delete removes all versions and metadata for c.
func (v *VaultPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	path, _ := v.location(c)
	status, err := v.do(ctx, http.MethodDelete, v.config.Mount+"/metadata/"+path, nil, nil)
	if err != nil {
		return secretstore.UnavailableError{Store: v.name, Op: "delete", Err: err}
	}
	if status == http.StatusNotFound {
		return secretstore.NotFoundError{Store: v.name, Coordinate: path}
	}
	return nil
}

// do sends an authenticated request. A 404 is returned as a status without
// error; other non-2xx statuses are errors.
func (v *VaultPersistence) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	token, err := v.authenticate(ctx)
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimSuffix(v.config.Address, "/") + "/v1/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.config.Namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusForbidden {
		v.forgetToken(token)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (v *VaultPersistence) authenticate(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.token != "" {
		return v.token, nil
	}

	switch v.config.AuthMethod {
	case "", "token":
		token := v.config.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return "", fmt.Errorf("no vault token found in settings or VAULT_TOKEN environment variable")
		}
		v.token = token
	case "userpass":
		password := v.config.UserpassPassword
		if password == "" {
			password = os.Getenv("VAULT_USERPASS_PASSWORD")
		}
		if password == "" {
			return "", fmt.Errorf("no password found for userpass auth")
		}
		if err := v.login(ctx, "auth/userpass/login/"+v.config.UserpassUsername, map[string]interface{}{"password": password}); err != nil {
			return "", err
		}
	case "k8s", "kubernetes":
		tokenPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
		if custom := os.Getenv("VAULT_K8S_TOKEN_PATH"); custom != "" {
			tokenPath = custom
		}
		jwt, err := os.ReadFile(tokenPath)
		if err != nil {
			return "", fmt.Errorf("failed to read kubernetes token: %w", err)
		}
		if err := v.login(ctx, "auth/kubernetes/login", map[string]interface{}{"role": v.config.K8SRole, "jwt": string(jwt)}); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unsupported auth method: %s", v.config.AuthMethod)
	}
	return v.token, nil
}

// forgetToken drops a rejected token so the next call logs in again.
// A token replaced by a concurrent login is kept.
func (v *VaultPersistence) forgetToken(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.token == token {
		v.token = ""
	}
}

// login must be called with v.mu held.
func (v *VaultPersistence) login(ctx context.Context, authPath string, authData map[string]interface{}) error {
	data, err := json.Marshal(authData)
	if err != nil {
		return fmt.Errorf("failed to marshal auth data: %w", err)
	}

	url := strings.TrimSuffix(v.config.Address, "/") + "/v1/" + authPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.config.Namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authentication failed with status %d", resp.StatusCode)
	}

	var authResp struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	if authResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token received from vault")
	}
	v.token = authResp.Auth.ClientToken
	return nil
}
