package cipher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns a deterministic, one-way hex digest of text keyed by the
// master secret. Different salts yield unrelated digests for the same text.
func (c *Cipher) Hash(text string, salt string) string {
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(salt))
	mac.Write([]byte{0})
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil))
}
