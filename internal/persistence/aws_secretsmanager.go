package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// SecretsManagerClientAPI is the subset of the Secrets Manager client used
// here. It allows mocking in tests.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// AWSSecretsManagerPersistence stores each coordinate as one secret.
type AWSSecretsManagerPersistence struct {
	name     string
	client   SecretsManagerClientAPI
	prefix   string
	kmsKeyID string
	timeout  time.Duration
}

// AWSSecretsManagerOption configures an AWSSecretsManagerPersistence.
type AWSSecretsManagerOption func(*AWSSecretsManagerPersistence)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing).
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSSecretsManagerOption {
	return func(p *AWSSecretsManagerPersistence) {
		p.client = client
	}
}

// NewAWSSecretsManagerPersistence creates a Secrets Manager backend.
//
// Settings: region, endpoint, prefix, kms_key_id, role_arn, external_id,
// access_key_id, secret_access_key.
func NewAWSSecretsManagerPersistence(name string, settings map[string]interface{}, opts ...AWSSecretsManagerOption) (*AWSSecretsManagerPersistence, error) {
	p := &AWSSecretsManagerPersistence{
		name:     name,
		prefix:   stringSetting(settings, "prefix", ""),
		kmsKeyID: stringSetting(settings, "kms_key_id", ""),
		timeout:  timeoutSetting(settings),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		cfg, err := loadAWSConfig(context.Background(), settings)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if endpoint := stringSetting(settings, "endpoint", ""); endpoint != "" {
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}
		p.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}

	return p, nil
}

// NewAWSSecretsManagerFactory creates a Secrets Manager backend from settings.
func NewAWSSecretsManagerFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewAWSSecretsManagerPersistence(name, settings)
}

// Name returns the storage name.
func (p *AWSSecretsManagerPersistence) Name() string {
	return p.name
}

// Read fetches the current value of the secret for c.
func (p *AWSSecretsManagerPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	id := secretKey(p.prefix, c)
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return nil, p.handleError(err, id, "read")
	}
	switch {
	case out.SecretString != nil:
		return []byte(*out.SecretString), nil
	case out.SecretBinary != nil:
		return out.SecretBinary, nil
	default:
		return nil, secretstore.NotFoundError{Store: p.name, Coordinate: id}
	}
}

// Write puts a new value, creating the secret when it does not exist yet.
func (p *AWSSecretsManagerPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	id := secretKey(p.prefix, c)
	_, err := p.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(string(value)),
	})
	if err == nil {
		return nil
	}
	if !isSecretsManagerNotFound(err) {
		return p.handleError(err, id, "write")
	}

	input := &secretsmanager.CreateSecretInput{
		Name:         aws.String(id),
		SecretString: aws.String(string(value)),
		Tags:         []types.Tag{{Key: aws.String("managed-by"), Value: aws.String("cfgsecrets")}},
	}
	if p.kmsKeyID != "" {
		input.KmsKeyId = aws.String(p.kmsKeyID)
	}
	_, err = p.client.CreateSecret(ctx, input)
	if err == nil {
		return nil
	}

	// lost a create race; the secret exists now
	var exists *types.ResourceExistsException
	if errors.As(err, &exists) {
		_, err = p.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(id),
			SecretString: aws.String(string(value)),
		})
		if err == nil {
			return nil
		}
	}
	return p.handleError(err, id, "write")
}

// Delete removes the secret for c without a recovery window.
func (p *AWSSecretsManagerPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	id := secretKey(p.prefix, c)
	_, err := p.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(id),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		return p.handleError(err, id, "delete")
	}
	return nil
}

func (p *AWSSecretsManagerPersistence) handleError(err error, id, op string) error {
	if isSecretsManagerNotFound(err) {
		return secretstore.NotFoundError{Store: p.name, Coordinate: id}
	}
	return secretstore.UnavailableError{Store: p.name, Op: op, Err: err}
}

func isSecretsManagerNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}
