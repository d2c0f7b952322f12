package cipher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hengadev/errsx"
	"go.uber.org/zap"
)

// Record is a structured row whose named fields may be encrypted in place.
type Record map[string]any

// FlagSuffix is appended to a field name to mark it as encrypted.
const FlagSuffix = "_encrypted"

// EncryptFields returns a copy of rec where every named, non-nil field is
// replaced by its *Blob and flagged with "<field>_encrypted". Non-string
// values are JSON encoded before encryption. Any failure aborts the call.
func (c *Cipher) EncryptFields(ctx context.Context, rec Record, fields []string, aad string) (Record, error) {
	out := cloneRecord(rec)
	for _, field := range fields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		plaintext, err := toPlaintext(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %w", ErrEncryption, field, err)
		}
		blob, err := c.Encrypt(ctx, plaintext, aad)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = blob
		out[field+FlagSuffix] = true
	}
	return out, nil
}

// DecryptFields returns a copy of rec with every flagged field decrypted back
// to its string form. A field that fails to decrypt is set to nil and logged;
// the remaining fields are still processed. The returned record is always
// usable; the error, when non-nil, is an errsx.Map keyed by field name.
func (c *Cipher) DecryptFields(ctx context.Context, rec Record, fields []string, aad string) (Record, error) {
	out := cloneRecord(rec)
	errs := errsx.Map{}

	for _, field := range fields {
		if flagged, _ := out[field+FlagSuffix].(bool); !flagged {
			continue
		}
		delete(out, field+FlagSuffix)

		blob, err := toBlob(out[field])
		if err == nil {
			var plaintext string
			plaintext, err = c.Decrypt(ctx, blob, aad)
			if err == nil {
				out[field] = plaintext
				continue
			}
		}

		out[field] = nil
		errs.Set(field, err)
		c.logger.Warn("field decryption failed",
			zap.String("field", field),
			zap.String("context", aad),
			zap.Error(err),
		)
	}

	return out, errs.AsError()
}

func toPlaintext(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// toBlob accepts the forms a Blob takes in memory and after a JSON round trip.
func toBlob(v any) (*Blob, error) {
	switch val := v.(type) {
	case *Blob:
		if val == nil {
			return nil, fmt.Errorf("%w: nil blob", ErrDecryption)
		}
		return val, nil
	case Blob:
		return &val, nil
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
		}
		return unmarshalBlob(b)
	case string:
		return unmarshalBlob([]byte(val))
	case []byte:
		return unmarshalBlob(val)
	default:
		return nil, fmt.Errorf("%w: unsupported value of type %T", ErrDecryption, v)
	}
}

func unmarshalBlob(b []byte) (*Blob, error) {
	var blob Blob
	if err := json.Unmarshal(b, &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed blob: %w", ErrDecryption, err)
	}
	return &blob, nil
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
