package persistence

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// GCPSecretManagerAPI is the subset of Secret Manager operations used here.
type GCPSecretManagerAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
}

// gcpClient adapts *secretmanager.Client to GCPSecretManagerAPI.
type gcpClient struct {
	c *secretmanager.Client
}

func (g gcpClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (g gcpClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.CreateSecret(ctx, req)
}

func (g gcpClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return g.c.AddSecretVersion(ctx, req)
}

func (g gcpClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	return g.c.DeleteSecret(ctx, req)
}

// GCPSecretManagerPersistence stores each coordinate as one secret whose
// latest version holds the plaintext.
type GCPSecretManagerPersistence struct {
	name      string
	client    GCPSecretManagerAPI
	projectID string
	timeout   time.Duration
}

// GCPSecretManagerOption configures a GCPSecretManagerPersistence.
type GCPSecretManagerOption func(*GCPSecretManagerPersistence)

// WithGCPClient sets a custom Secret Manager client (for testing).
func WithGCPClient(client GCPSecretManagerAPI) GCPSecretManagerOption {
	return func(p *GCPSecretManagerPersistence) {
		p.client = client
	}
}

// NewGCPSecretManagerPersistence creates a Secret Manager backend.
//
// Settings: project_id (or GOOGLE_CLOUD_PROJECT), service_account_key_path,
// impersonate_service_account.
func NewGCPSecretManagerPersistence(name string, settings map[string]interface{}, opts ...GCPSecretManagerOption) (*GCPSecretManagerPersistence, error) {
	p := &GCPSecretManagerPersistence{
		name:      name,
		projectID: stringSetting(settings, "project_id", gcpProjectFromEnv()),
		timeout:   timeoutSetting(settings),
	}
	if p.projectID == "" {
		return nil, fmt.Errorf("%s requires the \"project_id\" setting or GOOGLE_CLOUD_PROJECT", TypeGCPSecretManager)
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		ctx := context.Background()
		var clientOptions []option.ClientOption
		if keyPath := stringSetting(settings, "service_account_key_path", ""); keyPath != "" {
			clientOptions = append(clientOptions, option.WithCredentialsFile(keyPath))
		}
		if target := stringSetting(settings, "impersonate_service_account", ""); target != "" {
			ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
				TargetPrincipal: target,
				Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create impersonated credentials: %w", err)
			}
			clientOptions = append(clientOptions, option.WithTokenSource(ts))
		}
		c, err := secretmanager.NewClient(ctx, clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
		}
		p.client = gcpClient{c: c}
	}

	return p, nil
}

// NewGCPSecretManagerFactory creates a Secret Manager backend from settings.
func NewGCPSecretManagerFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewGCPSecretManagerPersistence(name, settings)
}

func gcpProjectFromEnv() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Name returns the storage name.
func (p *GCPSecretManagerPersistence) Name() string {
	return p.name
}

// secretName returns the secret resource name for c. External ids may be
// full resource names, optionally pinned to a version.
func (p *GCPSecretManagerPersistence) secretName(c coordinate.Coordinate) string {
	rendered := coordinate.Render(c)
	if strings.HasPrefix(rendered, "projects/") {
		if idx := strings.Index(rendered, "/versions/"); idx >= 0 {
			return rendered[:idx]
		}
		return rendered
	}
	return fmt.Sprintf("projects/%s/secrets/%s", p.projectID, rendered)
}

func (p *GCPSecretManagerPersistence) versionName(c coordinate.Coordinate) string {
	rendered := coordinate.Render(c)
	if strings.HasPrefix(rendered, "projects/") && strings.Contains(rendered, "/versions/") {
		return rendered
	}
	return p.secretName(c) + "/versions/latest"
}

// Read accesses the latest version of the secret for c.
func (p *GCPSecretManagerPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := p.versionName(c)
	resp, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, p.handleError(err, name, "read")
	}
	if resp.GetPayload() == nil {
		return nil, secretstore.NotFoundError{Store: p.name, Coordinate: name}
	}
	return resp.GetPayload().GetData(), nil
}

// Write adds a version holding value, creating the secret on first write.
func (p *GCPSecretManagerPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	parent := p.secretName(c)
	add := &secretmanagerpb.AddSecretVersionRequest{
		Parent:  parent,
		Payload: &secretmanagerpb.SecretPayload{Data: value},
	}

	_, err := p.client.AddSecretVersion(ctx, add)
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return p.handleError(err, parent, "write")
	}

	_, err = p.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + p.projectID,
		SecretId: coordinate.Render(c),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: map[string]string{"managed-by": "cfgsecrets"},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return p.handleError(err, parent, "write")
	}

	if _, err := p.client.AddSecretVersion(ctx, add); err != nil {
		return p.handleError(err, parent, "write")
	}
	return nil
}

// Delete removes the secret for c with all its versions.
func (p *GCPSecretManagerPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := p.secretName(c)
	if err := p.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: name}); err != nil {
		return p.handleError(err, name, "delete")
	}
	return nil
}

func (p *GCPSecretManagerPersistence) handleError(err error, name, op string) error {
	if status.Code(err) == codes.NotFound {
		return secretstore.NotFoundError{Store: p.name, Coordinate: name}
	}
	return secretstore.UnavailableError{Store: p.name, Op: op, Err: err}
}
