package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Sink receives exported audit archives.
type Sink interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// Export writes entries matching f, oldest first, as JSON lines to sink
// under key. It returns the number of entries exported.
func (l *Log) Export(ctx context.Context, sink Sink, key string, f Filter) (int, error) {
	entries, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	sortBySequence(entries)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return 0, fmt.Errorf("encoding entry %d: %w", e.Sequence, err)
		}
	}

	if err := sink.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		l.logger.Error("audit export failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("exporting audit archive %q: %w", key, err)
	}

	l.logger.Info("audit archive exported", zap.String("key", key), zap.Int("entries", len(entries)))
	return len(entries), nil
}
