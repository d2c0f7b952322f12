package cipher

import (
	"context"
	"fmt"
	"os"
)

// SecretSource supplies the master secret at startup.
//
// Implementations:
//   - StaticSecret: a value already loaded by the caller
//   - EnvSecret: an environment variable
//   - github.com/hengadev/medguard/providers/secrets/hashicorp.KVSource: Vault KV v2
//   - github.com/hengadev/medguard/providers/secrets/aws.SecretsManagerSource: AWS Secrets Manager
//   - github.com/hengadev/medguard/providers/awskms: a KMS-encrypted secret
type SecretSource interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// StaticSecret is a master secret held in memory.
type StaticSecret []byte

func (s StaticSecret) MasterSecret(ctx context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrMissingMasterSecret
	}
	out := make([]byte, len(s))
	copy(out, s)
	return out, nil
}

// EnvSecret reads the master secret from the named environment variable.
type EnvSecret string

func (e EnvSecret) MasterSecret(ctx context.Context) ([]byte, error) {
	v := os.Getenv(string(e))
	if v == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrMissingMasterSecret, string(e))
	}
	return []byte(v), nil
}
