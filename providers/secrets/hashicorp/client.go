// Package hashicorp reads the medguard master secret from a HashiCorp Vault
// KV v2 secrets engine.
//
// Environment variables used by NewClientFromEnvironment:
//   - VAULT_ADDR: Vault server address (required)
//   - VAULT_NAMESPACE: namespace for HCP Vault (optional)
//   - VAULT_TOKEN: token authentication
//   - VAULT_ROLE_ID / VAULT_SECRET_ID: AppRole authentication
//
// A token takes precedence over AppRole credentials.
package hashicorp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/vault/api"
)

var (
	ErrInvalidConfiguration = errors.New("invalid vault configuration")
	ErrAuthenticationFailed = errors.New("vault authentication failed")
	ErrSecretUnavailable    = errors.New("vault secret unavailable")
	ErrSecretNotFound       = errors.New("vault secret not found")
)

// NewClientFromEnvironment builds an authenticated Vault client from the
// VAULT_* environment variables.
func NewClientFromEnvironment(ctx context.Context) (*api.Client, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("%w: VAULT_ADDR environment variable is required", ErrInvalidConfiguration)
	}
	config := api.DefaultConfig()
	config.Address = addr
	config.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %w", ErrSecretUnavailable, err)
	}
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		client.SetNamespace(ns)
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
		return client, nil
	}

	roleID, secretID := os.Getenv("VAULT_ROLE_ID"), os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return nil, fmt.Errorf("%w: set VAULT_TOKEN or VAULT_ROLE_ID+VAULT_SECRET_ID", ErrInvalidConfiguration)
	}
	if err := loginAppRole(ctx, client.Logical(), client, roleID, secretID); err != nil {
		return nil, err
	}
	return client, nil
}

type logicalWriter interface {
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

type tokenSetter interface {
	SetToken(token string)
}

func loginAppRole(ctx context.Context, logical logicalWriter, client tokenSetter, roleID, secretID string) error {
	resp, err := logical.WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("%w: AppRole login: %w", ErrAuthenticationFailed, err)
	}
	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("%w: no auth info returned from AppRole login", ErrAuthenticationFailed)
	}
	client.SetToken(resp.Auth.ClientToken)
	return nil
}
