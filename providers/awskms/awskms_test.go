package awskms

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/hengadev/medguard/cipher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var sealedPrefix = []byte("sealed:")

// mockKMSClient seals by prefixing the plaintext and checks the encryption
// context on the way back.
type mockKMSClient struct {
	encryptErr error
	decryptErr error
	lastKeyID  string
	plaintext  []byte
}

func (m *mockKMSClient) Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	m.lastKeyID = aws.ToString(params.KeyId)
	if params.EncryptionContext["purpose"] != "medguard-master-secret" {
		return nil, errors.New("missing encryption context")
	}
	return &kms.EncryptOutput{CiphertextBlob: append(append([]byte{}, sealedPrefix...), params.Plaintext...)}, nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	if params.EncryptionContext["purpose"] != "medguard-master-secret" {
		return nil, errors.New("InvalidCiphertextException")
	}
	if m.plaintext != nil {
		return &kms.DecryptOutput{Plaintext: m.plaintext}, nil
	}
	if !bytes.HasPrefix(params.CiphertextBlob, sealedPrefix) {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &kms.DecryptOutput{Plaintext: bytes.TrimPrefix(params.CiphertextBlob, sealedPrefix)}, nil
}

func TestNew(t *testing.T) {
	svc, err := New(context.Background(), Config{AWSConfig: &aws.Config{Region: "eu-west-3"}})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-3", svc.Region())
}

func TestMasterSecretRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := &mockKMSClient{}
	svc := &Service{client: mock}

	ciphertext, err := svc.EncryptMasterSecret(ctx, "alias/medguard", []byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "alias/medguard", mock.lastKeyID)
	assert.NotContains(t, ciphertext, testSecret)

	secret, err := svc.Source(ciphertext).MasterSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(secret))

	c, err := cipher.NewFromSource(ctx, svc.Source(ciphertext),
		cipher.WithArgon2Params(&cipher.Argon2Params{Memory: 8192, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}))
	require.NoError(t, err)
	blob, err := c.Encrypt(ctx, "Jane Doe", "patients.name")
	require.NoError(t, err)
	plain, err := c.Decrypt(ctx, blob, "patients.name")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", plain)
}

func TestEncryptMasterSecret_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		client *mockKMSClient
		keyID  string
		secret string
		is     error
	}{
		{name: "missing key", client: &mockKMSClient{}, secret: testSecret, is: ErrKMSUnavailable},
		{name: "weak secret", client: &mockKMSClient{}, keyID: "alias/medguard", secret: "short", is: cipher.ErrWeakMasterSecret},
		{name: "kms failure", client: &mockKMSClient{encryptErr: errors.New("AccessDeniedException")}, keyID: "alias/medguard", secret: testSecret, is: ErrKMSUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{client: tt.client}
			_, err := svc.EncryptMasterSecret(ctx, tt.keyID, []byte(tt.secret))
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestDecryptMasterSecret_Errors(t *testing.T) {
	ctx := context.Background()
	sealed := base64.StdEncoding.EncodeToString(append(append([]byte{}, sealedPrefix...), testSecret...))

	tests := []struct {
		name       string
		client     *mockKMSClient
		ciphertext string
		is         error
	}{
		{name: "empty", client: &mockKMSClient{}, is: cipher.ErrMissingMasterSecret},
		{name: "not base64", client: &mockKMSClient{}, ciphertext: "%%%", is: ErrInvalidCiphertext},
		{name: "kms failure", client: &mockKMSClient{decryptErr: errors.New("throttled")}, ciphertext: sealed, is: ErrKMSUnavailable},
		{name: "foreign ciphertext", client: &mockKMSClient{}, ciphertext: base64.StdEncoding.EncodeToString([]byte("other")), is: ErrKMSUnavailable},
		{name: "weak plaintext", client: &mockKMSClient{plaintext: []byte("short")}, ciphertext: sealed, is: cipher.ErrWeakMasterSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{client: tt.client}
			_, err := svc.DecryptMasterSecret(ctx, tt.ciphertext)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}
