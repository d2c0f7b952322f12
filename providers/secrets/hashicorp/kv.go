package hashicorp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/medguard/cipher"
)

// DefaultPath is the KV v2 read path of the master secret. The "/data/"
// segment is required by the KV v2 API.
const DefaultPath = "secret/data/medguard/master"

const valueField = "value"

type logical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

// KVSource implements cipher.SecretSource on top of Vault KV v2. The secret
// is stored base64-encoded under the "value" key.
type KVSource struct {
	logical logical
	path    string
}

var _ cipher.SecretSource = (*KVSource)(nil)

type Option func(*KVSource)

// WithPath overrides DefaultPath.
func WithPath(path string) Option {
	return func(k *KVSource) {
		if path != "" {
			k.path = path
		}
	}
}

// NewKVSource reads the master secret through client.
//
// The KV v2 engine must be enabled before use:
//
//	vault secrets enable -path=secret kv-v2
func NewKVSource(client *api.Client, opts ...Option) *KVSource {
	return newKVSource(client.Logical(), opts...)
}

func newKVSource(l logical, opts ...Option) *KVSource {
	k := &KVSource{logical: l, path: DefaultPath}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Path returns the KV v2 path the source reads from.
func (k *KVSource) Path() string { return k.path }

// MasterSecret fetches and decodes the secret. Secrets shorter than
// cipher.MinMasterSecretLength are rejected.
func (k *KVSource) MasterSecret(ctx context.Context) ([]byte, error) {
	secret, err := k.logical.ReadWithContext(ctx, k.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrSecretUnavailable, k.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, k.path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid KV v2 secret format at %s", ErrSecretUnavailable, k.path)
	}
	encoded, ok := data[valueField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %q field", ErrSecretNotFound, k.path, valueField)
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode secret: %w", ErrSecretUnavailable, err)
	}
	if len(value) < cipher.MinMasterSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes from %s", cipher.ErrWeakMasterSecret, len(value), k.path)
	}
	return value, nil
}

// StoreMasterSecret writes a new version of the secret. KV v2 keeps the
// previous versions.
func (k *KVSource) StoreMasterSecret(ctx context.Context, value []byte) error {
	if len(value) < cipher.MinMasterSecretLength {
		return fmt.Errorf("%w: master secret must be at least %d bytes, got %d",
			cipher.ErrWeakMasterSecret, cipher.MinMasterSecretLength, len(value))
	}
	_, err := k.logical.WriteWithContext(ctx, k.path, map[string]interface{}{
		"data": map[string]interface{}{
			valueField: base64.StdEncoding.EncodeToString(value),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to store secret at %s: %w", ErrSecretUnavailable, k.path, err)
	}
	return nil
}
