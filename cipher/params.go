package cipher

import (
	"fmt"

	"github.com/hengadev/errsx"
)

// Argon2Params defines the Argon2id parameters used to derive a per-call
// encryption key from the master secret and a random salt.
type Argon2Params struct {
	Memory      uint32 `yaml:"memory"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`
}

// DefaultArgon2Params returns the OWASP baseline for Argon2id with a 256-bit
// key, suitable for AES-256.
func DefaultArgon2Params() *Argon2Params {
	return &Argon2Params{
		Memory:      19456, // 19 MiB
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate checks the parameters and reports every problem at once.
func (a *Argon2Params) Validate() error {
	errs := errsx.Map{}

	if a.Memory < 8192 {
		errs.Set("memory", fmt.Errorf("memory must be at least 8192 KiB, got %d", a.Memory))
	}
	if a.Iterations < 2 {
		errs.Set("iterations", fmt.Errorf("iterations must be at least 2, got %d", a.Iterations))
	}
	if a.Parallelism < 1 {
		errs.Set("parallelism", fmt.Errorf("parallelism must be at least 1, got %d", a.Parallelism))
	}
	if a.SaltLength < 16 {
		errs.Set("saltLength", fmt.Errorf("salt length must be at least 16 bytes, got %d", a.SaltLength))
	}
	if a.KeyLength != 32 {
		errs.Set("keyLength", fmt.Errorf("key length must be 32 bytes for AES-256, got %d", a.KeyLength))
	}

	return errs.AsError()
}
