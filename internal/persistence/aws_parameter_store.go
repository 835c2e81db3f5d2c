package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

const defaultParameterPrefix = "/cfgsecrets"

// SSMClientAPI is the subset of the SSM client used here.
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// AWSParameterStorePersistence stores each coordinate as a SecureString
// parameter under a path prefix.
type AWSParameterStorePersistence struct {
	name     string
	client   SSMClientAPI
	prefix   string
	kmsKeyID string
	timeout  time.Duration
}

// AWSParameterStoreOption configures an AWSParameterStorePersistence.
type AWSParameterStoreOption func(*AWSParameterStorePersistence)

// WithSSMClient sets a custom SSM client (for testing).
func WithSSMClient(client SSMClientAPI) AWSParameterStoreOption {
	return func(p *AWSParameterStorePersistence) {
		p.client = client
	}
}

// NewAWSParameterStorePersistence creates a Parameter Store backend.
//
// Settings: region, endpoint, prefix (default "/cfgsecrets"), kms_key_id,
// role_arn, external_id, access_key_id, secret_access_key.
func NewAWSParameterStorePersistence(name string, settings map[string]interface{}, opts ...AWSParameterStoreOption) (*AWSParameterStorePersistence, error) {
	p := &AWSParameterStorePersistence{
		name:     name,
		prefix:   stringSetting(settings, "prefix", defaultParameterPrefix),
		kmsKeyID: stringSetting(settings, "kms_key_id", ""),
		timeout:  timeoutSetting(settings),
	}
	if !strings.HasPrefix(p.prefix, "/") {
		p.prefix = "/" + p.prefix
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		cfg, err := loadAWSConfig(context.Background(), settings)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*ssm.Options)
		if endpoint := stringSetting(settings, "endpoint", ""); endpoint != "" {
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}
		p.client = ssm.NewFromConfig(cfg, clientOpts...)
	}

	return p, nil
}

// NewAWSParameterStoreFactory creates a Parameter Store backend from settings.
func NewAWSParameterStoreFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewAWSParameterStorePersistence(name, settings)
}

// Name returns the storage name.
func (p *AWSParameterStorePersistence) Name() string {
	return p.name
}

func (p *AWSParameterStorePersistence) parameterName(c coordinate.Coordinate) string {
	// external ids may already be absolute parameter paths
	if ext, ok := c.(coordinate.External); ok && strings.HasPrefix(ext.ID, "/") {
		return ext.ID
	}
	return strings.TrimSuffix(p.prefix, "/") + "/" + coordinate.Render(c)
}

// Read fetches and decrypts the parameter for c.
func (p *AWSParameterStorePersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := p.parameterName(c)
	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, p.handleError(err, name, "read")
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, secretstore.NotFoundError{Store: p.name, Coordinate: name}
	}
	return []byte(*out.Parameter.Value), nil
}

// Write puts the parameter for c, overwriting an existing value.
func (p *AWSParameterStorePersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := p.parameterName(c)
	input := &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(string(value)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if p.kmsKeyID != "" {
		input.KeyId = aws.String(p.kmsKeyID)
	}
	if _, err := p.client.PutParameter(ctx, input); err != nil {
		return p.handleError(err, name, "write")
	}
	return nil
}

// Delete removes the parameter for c.
func (p *AWSParameterStorePersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	name := p.parameterName(c)
	if _, err := p.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)}); err != nil {
		return p.handleError(err, name, "delete")
	}
	return nil
}

func (p *AWSParameterStorePersistence) handleError(err error, name, op string) error {
	var nf *types.ParameterNotFound
	if errors.As(err, &nf) {
		return secretstore.NotFoundError{Store: p.name, Coordinate: name}
	}
	return secretstore.UnavailableError{Store: p.name, Op: op, Err: err}
}
