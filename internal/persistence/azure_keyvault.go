package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// KeyVaultClientAPI is the subset of *azsecrets.Client used here.
type KeyVaultClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// AzureKeyVaultPersistence stores each coordinate as one Key Vault secret.
// Key Vault names only allow alphanumerics and dashes, so underscores in
// coordinates are mapped to dashes.
type AzureKeyVaultPersistence struct {
	name    string
	client  KeyVaultClientAPI
	timeout time.Duration
}

// AzureKeyVaultOption configures an AzureKeyVaultPersistence.
type AzureKeyVaultOption func(*AzureKeyVaultPersistence)

// WithKeyVaultClient sets a custom Key Vault client (for testing).
func WithKeyVaultClient(client KeyVaultClientAPI) AzureKeyVaultOption {
	return func(p *AzureKeyVaultPersistence) {
		p.client = client
	}
}

// NewAzureKeyVaultPersistence creates a Key Vault backend.
//
// Settings: vault_url (required), tenant_id, client_id, client_secret,
// use_managed_identity, user_assigned_identity_id.
func NewAzureKeyVaultPersistence(name string, settings map[string]interface{}, opts ...AzureKeyVaultOption) (*AzureKeyVaultPersistence, error) {
	p := &AzureKeyVaultPersistence{
		name:    name,
		timeout: timeoutSetting(settings),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		vaultURL, err := requireSetting(settings, "vault_url", TypeAzureKeyVault)
		if err != nil {
			return nil, err
		}
		if _, err := url.ParseRequestURI(vaultURL); err != nil {
			return nil, fmt.Errorf("invalid vault_url %q: %w", vaultURL, err)
		}
		cred, err := azureCredential(settings)
		if err != nil {
			return nil, err
		}
		client, err := azsecrets.NewClient(vaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
		}
		p.client = client
	}

	return p, nil
}

func azureCredential(settings map[string]interface{}) (azcore.TokenCredential, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)

	clientSecret := stringSetting(settings, "client_secret", "")
	switch {
	case boolSetting(settings, "use_managed_identity", false):
		var miOpts *azidentity.ManagedIdentityCredentialOptions
		if id := stringSetting(settings, "user_assigned_identity_id", ""); id != "" {
			miOpts = &azidentity.ManagedIdentityCredentialOptions{ID: azidentity.ClientID(id)}
		}
		cred, err = azidentity.NewManagedIdentityCredential(miOpts)
	case clientSecret != "":
		cred, err = azidentity.NewClientSecretCredential(
			stringSetting(settings, "tenant_id", ""),
			stringSetting(settings, "client_id", ""),
			clientSecret, nil)
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	return cred, nil
}

// NewAzureKeyVaultFactory creates a Key Vault backend from settings.
func NewAzureKeyVaultFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewAzureKeyVaultPersistence(name, settings)
}

// Name returns the storage name.
func (p *AzureKeyVaultPersistence) Name() string {
	return p.name
}

// KeyVaultSecretName maps a coordinate to a valid Key Vault secret name.
func KeyVaultSecretName(c coordinate.Coordinate) string {
	return strings.ReplaceAll(coordinate.Render(c), "_", "-")
}

// Read gets the current version of the secret for c.
func (p *AzureKeyVaultPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := KeyVaultSecretName(c)
	resp, err := p.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return nil, p.handleError(err, name, "read")
	}
	if resp.Value == nil {
		return nil, secretstore.NotFoundError{Store: p.name, Coordinate: name}
	}
	return []byte(*resp.Value), nil
}

// Write sets the secret for c. Key Vault creates a new version each time.
func (p *AzureKeyVaultPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := KeyVaultSecretName(c)
	v := string(value)
	managedBy := "cfgsecrets"
	_, err := p.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{
		Value: &v,
		Tags:  map[string]*string{"managed-by": &managedBy},
	}, nil)
	if err != nil {
		return p.handleError(err, name, "write")
	}
	return nil
}

// Delete soft-deletes the secret for c.
func (p *AzureKeyVaultPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := KeyVaultSecretName(c)
	if _, err := p.client.DeleteSecret(ctx, name, nil); err != nil {
		return p.handleError(err, name, "delete")
	}
	return nil
}

func (p *AzureKeyVaultPersistence) handleError(err error, name, op string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return secretstore.NotFoundError{Store: p.name, Coordinate: name}
	}
	return secretstore.UnavailableError{Store: p.name, Op: op, Err: err}
}
