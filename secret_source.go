package medguard

import (
	"context"
	"errors"
	"time"

	"github.com/hengadev/medguard/cipher"
	"github.com/hengadev/medguard/internal/retry"
	"go.uber.org/zap"
)

// retryingSource retries a remote master secret fetch while it fails with
// the source's unavailable error. Missing or weak secrets fail at once.
type retryingSource struct {
	src       cipher.SecretSource
	transient error
	cfg       retry.Config
}

func newRetryingSource(src cipher.SecretSource, transient error, logger *zap.Logger) *retryingSource {
	cfg := retry.DefaultConfig()
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, transient) }
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("master secret fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return &retryingSource{src: src, transient: transient, cfg: cfg}
}

func (s *retryingSource) MasterSecret(ctx context.Context) ([]byte, error) {
	var secret []byte
	err := retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		var err error
		secret, err = s.src.MasterSecret(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}
