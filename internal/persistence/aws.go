package persistence

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const defaultAWSRegion = "us-east-1"

// loadAWSConfig builds an SDK config from storage settings:
// region, access_key_id and secret_access_key (LocalStack or testing),
// role_arn and external_id for cross-account role assumption.
func loadAWSConfig(ctx context.Context, settings map[string]interface{}) (aws.Config, error) {
	region := stringSetting(settings, "region", defaultAWSRegion)

	configOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	accessKeyID := stringSetting(settings, "access_key_id", "")
	secretAccessKey := stringSetting(settings, "secret_access_key", "")
	if accessKeyID != "" && secretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if roleARN := stringSetting(settings, "role_arn", ""); roleARN != "" {
		externalID := stringSetting(settings, "external_id", "")
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "cfgsecrets"
			if externalID != "" {
				o.ExternalID = aws.String(externalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}
