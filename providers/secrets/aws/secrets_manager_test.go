package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/hengadev/medguard/cipher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// mockSecretsManager keeps secrets in memory, keyed by name.
type mockSecretsManager struct {
	strings  map[string]string
	binaries map[string][]byte
	err      error
	creates  int
	puts     int
}

func newMock() *mockSecretsManager {
	return &mockSecretsManager{strings: map[string]string{}, binaries: map[string][]byte{}}
}

func (m *mockSecretsManager) notFound(id string) error {
	return &types.ResourceNotFoundException{Message: aws.String("secret " + id + " not found")}
}

func (m *mockSecretsManager) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.creates++
	m.strings[aws.ToString(params.Name)] = aws.ToString(params.SecretString)
	return &secretsmanager.CreateSecretOutput{Name: params.Name}, nil
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	id := aws.ToString(params.SecretId)
	if b, ok := m.binaries[id]; ok {
		return &secretsmanager.GetSecretValueOutput{SecretBinary: b}, nil
	}
	if s, ok := m.strings[id]; ok {
		return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(s)}, nil
	}
	return nil, m.notFound(id)
}

func (m *mockSecretsManager) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.puts++
	m.strings[aws.ToString(params.SecretId)] = aws.ToString(params.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (m *mockSecretsManager) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	id := aws.ToString(params.SecretId)
	if _, ok := m.strings[id]; ok {
		return &secretsmanager.DescribeSecretOutput{Name: params.SecretId}, nil
	}
	return nil, m.notFound(id)
}

func TestNewSecretsManagerSource(t *testing.T) {
	src, err := NewSecretsManagerSource(context.Background(), "", Config{AWSConfig: &aws.Config{Region: "eu-west-3"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultSecretID, src.SecretID())
	assert.Equal(t, "eu-west-3", src.Region())
}

func TestStoreAndReadMasterSecret(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	src := newSource(mock, "clinic/master")

	require.NoError(t, src.StoreMasterSecret(ctx, []byte(testSecret)))
	assert.Equal(t, 1, mock.creates)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(testSecret)), mock.strings["clinic/master"])

	rotated := []byte("fedcba9876543210fedcba9876543210")
	require.NoError(t, src.StoreMasterSecret(ctx, rotated))
	assert.Equal(t, 1, mock.creates)
	assert.Equal(t, 1, mock.puts)

	secret, err := src.MasterSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated, secret)

	c, err := cipher.NewFromSource(ctx, src,
		cipher.WithArgon2Params(&cipher.Argon2Params{Memory: 8192, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}))
	require.NoError(t, err)
	blob, err := c.Encrypt(ctx, "penicillin allergy", "patients.allergies")
	require.NoError(t, err)
	plain, err := c.Decrypt(ctx, blob, "patients.allergies")
	require.NoError(t, err)
	assert.Equal(t, "penicillin allergy", plain)
}

func TestMasterSecret_Binary(t *testing.T) {
	mock := newMock()
	mock.binaries[DefaultSecretID] = []byte(testSecret)

	secret, err := newSource(mock, "").MasterSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(secret))
}

func TestMasterSecret_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *mockSecretsManager)
		is    error
	}{
		{name: "not found", setup: func(m *mockSecretsManager) {}, is: ErrSecretNotFound},
		{name: "service error", setup: func(m *mockSecretsManager) { m.err = errors.New("throttled") }, is: ErrSecretUnavailable},
		{name: "not base64", setup: func(m *mockSecretsManager) { m.strings[DefaultSecretID] = "%%%" }, is: ErrSecretUnavailable},
		{name: "weak", setup: func(m *mockSecretsManager) {
			m.strings[DefaultSecretID] = base64.StdEncoding.EncodeToString([]byte("short"))
		}, is: cipher.ErrWeakMasterSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock()
			tt.setup(mock)
			_, err := newSource(mock, "").MasterSecret(context.Background())
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestStoreMasterSecret_Errors(t *testing.T) {
	ctx := context.Background()

	err := newSource(newMock(), "").StoreMasterSecret(ctx, []byte("short"))
	assert.ErrorIs(t, err, cipher.ErrWeakMasterSecret)

	mock := newMock()
	mock.err = errors.New("AccessDeniedException")
	err = newSource(mock, "").StoreMasterSecret(ctx, []byte(testSecret))
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}
