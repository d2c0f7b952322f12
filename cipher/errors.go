package cipher

import "errors"

var (
	ErrMissingMasterSecret = errors.New("master secret is not configured")
	ErrWeakMasterSecret    = errors.New("master secret is too short")
	ErrEncryption          = errors.New("encryption failed")
	ErrDecryption          = errors.New("decryption failed")
)
