package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	akeyless "github.com/akeylesslabs/akeyless-go/v3"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

const (
	defaultAkeylessGateway = "https://api.akeyless.io"
	defaultAkeylessPrefix  = "/cfgsecrets"

	// Akeyless tokens last 30 minutes; refresh a little early.
	akeylessTokenTTL = 25 * time.Minute
)

// AkeylessClientAPI is the subset of the Akeyless API used here.
type AkeylessClientAPI interface {
	Authenticate(ctx context.Context) (token string, ttl time.Duration, err error)
	GetSecretValue(ctx context.Context, token, path string) (string, error)
	CreateSecret(ctx context.Context, token, path, value string) error
	UpdateSecretValue(ctx context.Context, token, path, value string) error
	DeleteItem(ctx context.Context, token, path string) error
}

// AkeylessPersistence stores each coordinate as one static secret item.
// Managed coordinates live under the path prefix; external ids are item
// paths.
type AkeylessPersistence struct {
	name    string
	prefix  string
	client  AkeylessClientAPI
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// AkeylessOption configures an AkeylessPersistence.
type AkeylessOption func(*AkeylessPersistence)

// WithAkeylessClient sets a custom Akeyless client (for testing).
func WithAkeylessClient(client AkeylessClientAPI) AkeylessOption {
	return func(p *AkeylessPersistence) {
		p.client = client
	}
}

// NewAkeylessPersistence creates an Akeyless backend.
//
// Settings: access_id (required), access_key, auth_method (api_key,
// aws_iam, azure_ad, gcp), azure_ad_object_id, gcp_audience, gateway_url,
// path_prefix (default "/cfgsecrets").
func NewAkeylessPersistence(name string, settings map[string]interface{}, opts ...AkeylessOption) (*AkeylessPersistence, error) {
	p := &AkeylessPersistence{
		name:    name,
		prefix:  "/" + strings.Trim(stringSetting(settings, "path_prefix", defaultAkeylessPrefix), "/"),
		timeout: timeoutSetting(settings),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		accessID, err := requireSetting(settings, "access_id", TypeAkeyless)
		if err != nil {
			return nil, err
		}
		method := stringSetting(settings, "auth_method", "api_key")
		switch method {
		case "api_key":
			if stringSetting(settings, "access_key", "") == "" {
				return nil, fmt.Errorf("%s api_key auth requires the \"access_key\" setting", TypeAkeyless)
			}
		case "aws_iam", "azure_ad", "gcp":
		default:
			return nil, fmt.Errorf("unsupported akeyless auth_method: %s", method)
		}
		p.client = newAkeylessSDKClient(akeylessAuth{
			gatewayURL:      stringSetting(settings, "gateway_url", defaultAkeylessGateway),
			accessID:        accessID,
			accessKey:       stringSetting(settings, "access_key", ""),
			method:          method,
			azureADObjectID: stringSetting(settings, "azure_ad_object_id", ""),
			gcpAudience:     stringSetting(settings, "gcp_audience", ""),
		})
	}

	return p, nil
}

// NewAkeylessFactory creates an Akeyless backend from settings.
func NewAkeylessFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewAkeylessPersistence(name, settings)
}

// Name returns the storage name.
func (p *AkeylessPersistence) Name() string {
	return p.name
}

// ItemPath maps c to its Akeyless item path.
func (p *AkeylessPersistence) ItemPath(c coordinate.Coordinate) string {
	if coordinate.IsManaged(c) {
		return p.prefix + "/" + coordinate.Render(c)
	}
	return "/" + strings.TrimPrefix(coordinate.Render(c), "/")
}

// Read gets the value of the item for c.
func (p *AkeylessPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	path := p.ItemPath(c)
	token, err := p.getToken(ctx)
	if err != nil {
		return nil, secretstore.UnavailableError{Store: p.name, Op: "read", Err: err}
	}
	value, err := p.client.GetSecretValue(ctx, token, path)
	if err != nil {
		return nil, p.handleError(err, token, c, "read")
	}
	return []byte(value), nil
}

// Write updates the item for c, creating it on first write.
func (p *AkeylessPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	path := p.ItemPath(c)
	token, err := p.getToken(ctx)
	if err != nil {
		return secretstore.UnavailableError{Store: p.name, Op: "write", Err: err}
	}

	err = p.client.UpdateSecretValue(ctx, token, path, string(value))
	if err != nil && isAkeylessNotFound(err) {
		err = p.client.CreateSecret(ctx, token, path, string(value))
	}
	if err != nil {
		return p.handleError(err, token, c, "write")
	}
	return nil
}

// Delete removes the item for c.
func (p *AkeylessPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	path := p.ItemPath(c)
	token, err := p.getToken(ctx)
	if err != nil {
		return secretstore.UnavailableError{Store: p.name, Op: "delete", Err: err}
	}
	if err := p.client.DeleteItem(ctx, token, path); err != nil {
		return p.handleError(err, token, c, "delete")
	}
	return nil
}

func (p *AkeylessPersistence) getToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expires) {
		return p.token, nil
	}
	token, ttl, err := p.client.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("akeyless authentication failed: %w", err)
	}
	if ttl <= 0 {
		ttl = akeylessTokenTTL
	}
	p.token = token
	p.expires = p.now().Add(ttl)
	return token, nil
}

func (p *AkeylessPersistence) handleError(err error, token string, c coordinate.Coordinate, op string) error {
	if isAkeylessNotFound(err) {
		return secretstore.NotFoundError{Store: p.name, Coordinate: coordinate.Render(c)}
	}
	if isAkeylessAuthError(err) {
		p.mu.Lock()
		if p.token == token {
			p.token = ""
		}
		p.mu.Unlock()
	}
	return secretstore.UnavailableError{Store: p.name, Op: op, Err: err}
}

func isAkeylessNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "404") ||
		strings.Contains(strings.ToLower(msg), "not found") ||
		strings.Contains(msg, "itemNotFound")
}

func isAkeylessAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(strings.ToLower(msg), "unauthorized")
}

type akeylessAuth struct {
	gatewayURL      string
	accessID        string
	accessKey       string
	method          string
	azureADObjectID string
	gcpAudience     string
}

// akeylessSDKClient implements AkeylessClientAPI with the official SDK.
type akeylessSDKClient struct {
	api  *akeyless.APIClient
	auth akeylessAuth
}

func newAkeylessSDKClient(auth akeylessAuth) *akeylessSDKClient {
	configuration := akeyless.NewConfiguration()
	configuration.Servers = []akeyless.ServerConfiguration{{URL: auth.gatewayURL}}
	return &akeylessSDKClient{api: akeyless.NewAPIClient(configuration), auth: auth}
}

func (c *akeylessSDKClient) Authenticate(ctx context.Context) (string, time.Duration, error) {
	body := akeyless.NewAuthWithDefaults()
	body.SetAccessId(c.auth.accessID)
	switch c.auth.method {
	case "api_key":
		body.SetAccessKey(c.auth.accessKey)
	case "azure_ad":
		body.SetAccessType("azure_ad")
		if c.auth.azureADObjectID != "" {
			body.SetCloudId(c.auth.azureADObjectID)
		}
	case "gcp":
		body.SetAccessType("gcp")
		if c.auth.gcpAudience != "" {
			body.SetGcpAudience(c.auth.gcpAudience)
		}
	default:
		body.SetAccessType(c.auth.method)
	}

	res, _, err := c.api.V2Api.Auth(ctx).Body(*body).Execute()
	if err != nil {
		return "", 0, fmt.Errorf("%s authentication failed: %w", c.auth.method, err)
	}
	return res.GetToken(), akeylessTokenTTL, nil
}

func (c *akeylessSDKClient) GetSecretValue(ctx context.Context, token, path string) (string, error) {
	body := akeyless.NewGetSecretValue([]string{path})
	body.SetToken(token)

	res, _, err := c.api.V2Api.GetSecretValue(ctx).Body(*body).Execute()
	if err != nil {
		return "", err
	}
	value, ok := res[path]
	if !ok {
		return "", fmt.Errorf("item %s not found", path)
	}
	return fmt.Sprint(value), nil
}

func (c *akeylessSDKClient) CreateSecret(ctx context.Context, token, path, value string) error {
	body := akeyless.NewCreateSecret(path, value)
	body.SetToken(token)
	body.SetDescription("managed by cfgsecrets")

	_, _, err := c.api.V2Api.CreateSecret(ctx).Body(*body).Execute()
	return err
}

func (c *akeylessSDKClient) UpdateSecretValue(ctx context.Context, token, path, value string) error {
	body := akeyless.NewUpdateSecretVal(path, value)
	body.SetToken(token)

	_, _, err := c.api.V2Api.UpdateSecretVal(ctx).Body(*body).Execute()
	return err
}

func (c *akeylessSDKClient) DeleteItem(ctx context.Context, token, path string) error {
	body := akeyless.NewDeleteItem(path)
	body.SetToken(token)

	_, _, err := c.api.V2Api.DeleteItem(ctx).Body(*body).Execute()
	return err
}
