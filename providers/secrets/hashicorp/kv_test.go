package hashicorp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/medguard/cipher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockVaultServer serves a single in-memory KV v2 mount at /v1/secret/data/
// plus AppRole login.
func mockVaultServer(t *testing.T) *httptest.Server {
	var (
		mu   sync.Mutex
		data = map[string]map[string]interface{}{}
	)
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["role_id"] != "role" || body["secret_id"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":["invalid role or secret ID"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":{"client_token":"approle-token"}}`))
	})

	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path := strings.TrimPrefix(r.URL.Path, "/v1/")
		switch r.Method {
		case http.MethodGet:
			if r.Header.Get("X-Vault-Token") == "" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
				return
			}
			stored, ok := data[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"data": stored, "metadata": map[string]interface{}{"version": 1}},
			})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]interface{} `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			data[path] = body.Data
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"version":1}}`))
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, addr string) *api.Client {
	config := api.DefaultConfig()
	config.Address = addr
	client, err := api.NewClient(config)
	require.NoError(t, err)
	client.SetToken("test-token")
	return client
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestKVSource_StoreAndRead(t *testing.T) {
	ctx := context.Background()
	server := mockVaultServer(t)
	src := NewKVSource(newTestClient(t, server.URL))
	assert.Equal(t, DefaultPath, src.Path())

	require.NoError(t, src.StoreMasterSecret(ctx, testSecret))

	got, err := src.MasterSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, testSecret, got)

	c, err := cipher.NewFromSource(ctx, src)
	require.NoError(t, err)
	blob, err := c.Encrypt(ctx, "note", "consultations.notes")
	require.NoError(t, err)
	plain, err := c.Decrypt(ctx, blob, "consultations.notes")
	require.NoError(t, err)
	assert.Equal(t, "note", plain)
}

func TestKVSource_NotFound(t *testing.T) {
	server := mockVaultServer(t)
	src := NewKVSource(newTestClient(t, server.URL), WithPath("secret/data/other"))

	_, err := src.MasterSecret(context.Background())
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestKVSource_RejectsWeakSecret(t *testing.T) {
	ctx := context.Background()
	server := mockVaultServer(t)
	src := NewKVSource(newTestClient(t, server.URL))

	err := src.StoreMasterSecret(ctx, []byte("short"))
	assert.ErrorIs(t, err, cipher.ErrWeakMasterSecret)
}

type fakeLogical struct {
	secret *api.Secret
	err    error
}

func (f *fakeLogical) ReadWithContext(ctx context.Context, path string) (*api.Secret, error) {
	return f.secret, f.err
}

func (f *fakeLogical) WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error) {
	return f.secret, f.err
}

func TestKVSource_MalformedSecrets(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	tests := []struct {
		name    string
		logical *fakeLogical
		wantErr error
	}{
		{
			name:    "read failure",
			logical: &fakeLogical{err: errors.New("connection refused")},
			wantErr: ErrSecretUnavailable,
		},
		{
			name:    "not kv v2",
			logical: &fakeLogical{secret: &api.Secret{Data: map[string]interface{}{"value": "x"}}},
			wantErr: ErrSecretUnavailable,
		},
		{
			name: "missing value",
			logical: &fakeLogical{secret: &api.Secret{Data: map[string]interface{}{
				"data": map[string]interface{}{"other": "x"},
			}}},
			wantErr: ErrSecretNotFound,
		},
		{
			name: "not base64",
			logical: &fakeLogical{secret: &api.Secret{Data: map[string]interface{}{
				"data": map[string]interface{}{"value": "%%%"},
			}}},
			wantErr: ErrSecretUnavailable,
		},
		{
			name: "too short",
			logical: &fakeLogical{secret: &api.Secret{Data: map[string]interface{}{
				"data": map[string]interface{}{"value": short},
			}}},
			wantErr: cipher.ErrWeakMasterSecret,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newKVSource(tt.logical).MasterSecret(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewClientFromEnvironment(t *testing.T) {
	ctx := context.Background()

	t.Run("missing address", func(t *testing.T) {
		t.Setenv("VAULT_ADDR", "")
		t.Setenv("VAULT_TOKEN", "")
		_, err := NewClientFromEnvironment(ctx)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("no credentials", func(t *testing.T) {
		server := mockVaultServer(t)
		t.Setenv("VAULT_ADDR", server.URL)
		t.Setenv("VAULT_TOKEN", "")
		t.Setenv("VAULT_ROLE_ID", "")
		t.Setenv("VAULT_SECRET_ID", "")
		_, err := NewClientFromEnvironment(ctx)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("token", func(t *testing.T) {
		server := mockVaultServer(t)
		t.Setenv("VAULT_ADDR", server.URL)
		t.Setenv("VAULT_TOKEN", "root")
		client, err := NewClientFromEnvironment(ctx)
		require.NoError(t, err)
		assert.Equal(t, "root", client.Token())
	})

	t.Run("approle", func(t *testing.T) {
		server := mockVaultServer(t)
		t.Setenv("VAULT_ADDR", server.URL)
		t.Setenv("VAULT_TOKEN", "")
		t.Setenv("VAULT_ROLE_ID", "role")
		t.Setenv("VAULT_SECRET_ID", "secret")
		client, err := NewClientFromEnvironment(ctx)
		require.NoError(t, err)
		assert.Equal(t, "approle-token", client.Token())
	})
}

type recordingToken struct{ token string }

func (r *recordingToken) SetToken(token string) { r.token = token }

func TestLoginAppRole_NoAuth(t *testing.T) {
	tok := &recordingToken{}
	err := loginAppRole(context.Background(), &fakeLogical{secret: &api.Secret{}}, tok, "role", "secret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, tok.token)
}
