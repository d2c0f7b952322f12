// Package cipher encrypts and hashes sensitive fields with a key derived from
// a single master secret.
//
// Every Encrypt call draws a fresh salt and nonce, derives an AES-256 key with
// Argon2id, and binds the caller's context string as additional authenticated
// data, so a ciphertext produced for one context cannot be opened under
// another.
package cipher

import (
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

// Algorithm identifies the construction recorded in every Blob.
const Algorithm = "aes-256-gcm"

// MinMasterSecretLength is the shortest master secret New accepts.
const MinMasterSecretLength = 32

const nonceSize = 12

// Blob is the serialized result of Encrypt.
type Blob struct {
	Ciphertext string `json:"ciphertext"`
	Algorithm  string `json:"algorithm"`
	Context    string `json:"context"`
}

// Cipher performs field-level encryption, decryption and keyed hashing.
type Cipher struct {
	master  []byte
	hashKey []byte
	params  *Argon2Params
	logger  *zap.Logger
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithArgon2Params overrides the key-derivation parameters.
func WithArgon2Params(p *Argon2Params) Option {
	return func(c *Cipher) {
		if p != nil {
			c.params = p
		}
	}
}

// WithLogger sets the logger used for degraded field decryption.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cipher) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Cipher from masterSecret. An empty or short secret is a hard
// error; no fallback secret is ever generated.
func New(masterSecret []byte, opts ...Option) (*Cipher, error) {
	if len(masterSecret) == 0 {
		return nil, ErrMissingMasterSecret
	}
	if len(masterSecret) < MinMasterSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrWeakMasterSecret, MinMasterSecretLength, len(masterSecret))
	}

	master := make([]byte, len(masterSecret))
	copy(master, masterSecret)

	c := &Cipher{
		master: master,
		params: DefaultArgon2Params(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid argon2 parameters: %w", err)
	}

	sub := sha256.Sum256(append([]byte("medguard/hash/v1:"), master...))
	c.hashKey = sub[:]

	return c, nil
}

// NewFromSource resolves the master secret from src and creates a Cipher.
func NewFromSource(ctx context.Context, src SecretSource, opts ...Option) (*Cipher, error) {
	if src == nil {
		return nil, ErrMissingMasterSecret
	}
	secret, err := src.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load master secret: %w", err)
	}
	return New(secret, opts...)
}

// Encrypt seals plaintext under a key derived for this call and binds aad
// (the field's context) into the authentication tag.
func (c *Cipher) Encrypt(ctx context.Context, plaintext string, aad string) (*Blob, error) {
	salt := make([]byte, c.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: failed to generate salt: %w", ErrEncryption, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %w", ErrEncryption, err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), []byte(aad))

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return &Blob{
		Ciphertext: base64.StdEncoding.EncodeToString(out),
		Algorithm:  Algorithm,
		Context:    aad,
	}, nil
}

// Decrypt reverses Encrypt. It fails with ErrDecryption when the blob is
// malformed, was produced for another context, or fails authentication.
func (c *Cipher) Decrypt(ctx context.Context, blob *Blob, aad string) (string, error) {
	if blob == nil {
		return "", fmt.Errorf("%w: nil blob", ErrDecryption)
	}
	if blob.Algorithm != Algorithm {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrDecryption, blob.Algorithm)
	}
	if blob.Context != aad {
		return "", fmt.Errorf("%w: context mismatch", ErrDecryption)
	}

	raw, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding: %w", ErrDecryption, err)
	}

	saltLen := int(c.params.SaltLength)
	if len(raw) < saltLen+nonceSize+16 {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+nonceSize]
	sealed := raw[saltLen+nonceSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (gocipher.AEAD, error) {
	key := argon2.IDKey(
		c.master,
		salt,
		c.params.Iterations,
		c.params.Memory,
		c.params.Parallelism,
		c.params.KeyLength,
	)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
