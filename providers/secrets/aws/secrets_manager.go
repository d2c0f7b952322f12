// Package aws reads the medguard master secret from AWS Secrets Manager.
//
// The secret is stored base64-encoded in SecretString, or raw in
// SecretBinary. Select it with
//
//	MEDGUARD_SECRET_SOURCE=aws
//	MEDGUARD_AWS_SECRET_ID=medguard/master
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/hengadev/medguard/cipher"
)

// DefaultSecretID is used when no secret id is configured.
const DefaultSecretID = "medguard/master"

var (
	ErrSecretUnavailable = errors.New("secrets manager unavailable")
	ErrSecretNotFound    = errors.New("master secret not found in secrets manager")
)

// secretsManagerClient interface for AWS Secrets Manager operations (allows mocking)
type secretsManagerClient interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

// Config holds configuration for AWS Secrets Manager service.
type Config struct {
	// Region is the AWS region (e.g., "eu-west-3")
	// If empty, uses AWS_REGION environment variable or AWS config file
	Region string

	// AWSConfig is an optional pre-configured AWS config
	// If provided, Region is ignored
	AWSConfig *aws.Config
}

// SecretsManagerSource implements cipher.SecretSource using AWS Secrets
// Manager.
type SecretsManagerSource struct {
	client   secretsManagerClient
	secretID string
	region   string
}

var _ cipher.SecretSource = (*SecretsManagerSource)(nil)

// NewSecretsManagerSource creates a source reading secretID, or
// DefaultSecretID when empty.
//
// Usage:
//
//	src, err := aws.NewSecretsManagerSource(ctx, "medguard/master", aws.Config{Region: "eu-west-3"})
//	c, err := cipher.NewFromSource(ctx, src)
func NewSecretsManagerSource(ctx context.Context, secretID string, cfg Config) (*SecretsManagerSource, error) {
	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		var opts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", ErrSecretUnavailable, err)
		}
	}

	s := newSource(secretsmanager.NewFromConfig(awsConfig), secretID)
	s.region = awsConfig.Region
	return s, nil
}

func newSource(client secretsManagerClient, secretID string) *SecretsManagerSource {
	if secretID == "" {
		secretID = DefaultSecretID
	}
	return &SecretsManagerSource{client: client, secretID: secretID}
}

// SecretID returns the secret the source reads.
func (s *SecretsManagerSource) SecretID() string {
	return s.secretID
}

// Region returns the AWS region this source is configured for.
func (s *SecretsManagerSource) Region() string {
	return s.region
}

// MasterSecret fetches the current version of the secret.
func (s *SecretsManagerSource) MasterSecret(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, s.secretID)
		}
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrSecretUnavailable, s.secretID, err)
	}

	var secret []byte
	switch {
	case len(out.SecretBinary) > 0:
		secret = out.SecretBinary
	case out.SecretString != nil:
		secret, err = base64.StdEncoding.DecodeString(*out.SecretString)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not base64: %w", ErrSecretUnavailable, s.secretID, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s has no value", ErrSecretNotFound, s.secretID)
	}

	if len(secret) < cipher.MinMasterSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", cipher.ErrWeakMasterSecret, cipher.MinMasterSecretLength, len(secret))
	}
	return secret, nil
}

// StoreMasterSecret writes secret, creating the Secrets Manager entry on
// first use.
func (s *SecretsManagerSource) StoreMasterSecret(ctx context.Context, secret []byte) error {
	if len(secret) < cipher.MinMasterSecretLength {
		return fmt.Errorf("%w: need %d bytes, got %d", cipher.ErrWeakMasterSecret, cipher.MinMasterSecretLength, len(secret))
	}
	encoded := base64.StdEncoding.EncodeToString(secret)

	exists, err := s.exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(s.secretID),
			SecretString: aws.String(encoded),
		})
		if err != nil {
			return fmt.Errorf("%w: failed to update %s: %w", ErrSecretUnavailable, s.secretID, err)
		}
		return nil
	}

	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(s.secretID),
		Description:  aws.String("medguard field cipher master secret"),
		SecretString: aws.String(encoded),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %w", ErrSecretUnavailable, s.secretID, err)
	}
	return nil
}

func (s *SecretsManagerSource) exists(ctx context.Context) (bool, error) {
	_, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to describe %s: %w", ErrSecretUnavailable, s.secretID, err)
	}
	return true, nil
}
