// Package awskms keeps the medguard master secret encrypted under an AWS KMS
// key. Only the base64 ciphertext is stored in configuration; KMS decrypts
// it once when the cipher is built.
//
// Provision a ciphertext with EncryptMasterSecret, then run with
//
//	MEDGUARD_SECRET_SOURCE=kms
//	MEDGUARD_KMS_CIPHERTEXT=<base64 ciphertext>
package awskms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/hengadev/medguard/cipher"
)

var (
	ErrKMSUnavailable    = errors.New("aws kms unavailable")
	ErrInvalidCiphertext = errors.New("invalid kms ciphertext")
)

// encryptionContext is bound to every master secret ciphertext. KMS refuses
// to decrypt a ciphertext sealed under a different context.
var encryptionContext = map[string]string{"purpose": "medguard-master-secret"}

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Config holds configuration for AWS KMS service.
type Config struct {
	// Region is the AWS region (e.g., "eu-west-3")
	// If empty, uses AWS_REGION environment variable or AWS config file
	Region string

	// AWSConfig is an optional pre-configured AWS config
	// If provided, Region is ignored
	AWSConfig *aws.Config
}

// Service seals and opens master secrets with AWS KMS.
type Service struct {
	client kmsClient
	region string
}

// New creates a KMS service from cfg or the default AWS configuration.
func New(ctx context.Context, cfg Config) (*Service, error) {
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
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", ErrKMSUnavailable, err)
		}
	}

	return &Service{
		client: kms.NewFromConfig(awsConfig),
		region: awsConfig.Region,
	}, nil
}

// EncryptMasterSecret seals secret under keyID and returns the base64
// ciphertext to store in MEDGUARD_KMS_CIPHERTEXT.
//
// The keyID can be a key ID, a key ARN, an alias name ("alias/medguard") or
// an alias ARN.
func (s *Service) EncryptMasterSecret(ctx context.Context, keyID string, secret []byte) (string, error) {
	if keyID == "" {
		return "", fmt.Errorf("%w: key id is required", ErrKMSUnavailable)
	}
	if len(secret) < cipher.MinMasterSecretLength {
		return "", fmt.Errorf("%w: need %d bytes, got %d", cipher.ErrWeakMasterSecret, cipher.MinMasterSecretLength, len(secret))
	}

	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(keyID),
		Plaintext:         secret,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to encrypt with KMS key %s: %w", ErrKMSUnavailable, keyID, err)
	}
	if len(out.CiphertextBlob) == 0 {
		return "", fmt.Errorf("%w: no ciphertext returned from KMS", ErrKMSUnavailable)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// DecryptMasterSecret opens a ciphertext produced by EncryptMasterSecret.
// KMS resolves the key from the ciphertext metadata.
func (s *Service) DecryptMasterSecret(ctx context.Context, ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: ciphertext is empty", cipher.ErrMissingMasterSecret)
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt master secret: %w", ErrKMSUnavailable, err)
	}
	if out.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", ErrKMSUnavailable)
	}
	if len(out.Plaintext) < cipher.MinMasterSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", cipher.ErrWeakMasterSecret, cipher.MinMasterSecretLength, len(out.Plaintext))
	}
	return out.Plaintext, nil
}

// Source returns a cipher.SecretSource that decrypts ciphertext on demand.
func (s *Service) Source(ciphertext string) cipher.SecretSource {
	return &source{service: s, ciphertext: ciphertext}
}

// Region returns the AWS region this KMS service is configured for.
func (s *Service) Region() string {
	return s.region
}

type source struct {
	service    *Service
	ciphertext string
}

func (s *source) MasterSecret(ctx context.Context) ([]byte, error) {
	return s.service.DecryptMasterSecret(ctx, s.ciphertext)
}
