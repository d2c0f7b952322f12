package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log is the append-only audit trail. Appends are serialized so each entry
// links to the hash of the one before it.
type Log struct {
	store  Store
	logger *zap.Logger
	clock  func() time.Time

	mu     sync.Mutex
	loaded bool
	seq    uint64
	head   string
}

type Option func(*Log)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLog creates a Log over store.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:  store,
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns the identity, sequence, timestamp and hash of e and persists
// it. The returned entry is the one stored. When another writer has extended
// the chain since the head was read, the head is reloaded and the append is
// tried once more.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Outcome != Allowed && e.Outcome != Denied {
		return Entry{}, fmt.Errorf("%w: outcome %q", ErrInvalidEntry, e.Outcome)
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}
	details, err := normalizeDetails(e.Details)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	e.Details = details

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := l.loadHead(ctx); err != nil {
			return Entry{}, err
		}
		stored, err := l.insertNext(ctx, e)
		if err == nil {
			return stored, nil
		}

		// The cached head may be stale; force a reload either way.
		tried := l.seq
		l.loaded = false
		if attempt > 0 || l.loadHead(ctx) != nil || l.seq == tried {
			return Entry{}, err
		}
		l.logger.Warn("audit chain head moved, retrying append",
			zap.Uint64("expected_sequence", tried+1),
			zap.Uint64("head_sequence", l.seq),
		)
	}
}

func (l *Log) insertNext(ctx context.Context, e Entry) (Entry, error) {
	e.ID = uuid.NewString()
	e.Sequence = l.seq + 1
	e.Timestamp = l.clock().UTC().Truncate(time.Microsecond)
	e.PreviousHash = l.head

	hash, err := computeHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	e.Hash = hash

	if err := l.store.Insert(ctx, e); err != nil {
		l.logger.Error("audit write failed",
			zap.String("operation", e.Operation),
			zap.String("actor_id", e.ActorID),
			zap.String("level", e.Level),
			zap.Uint64("sequence", e.Sequence),
			zap.Error(err),
		)
		return Entry{}, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}

	l.seq = e.Sequence
	l.head = e.Hash
	return e.clone(), nil
}

func (l *Log) loadHead(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading chain head: %w", ErrAuditWrite, err)
	}
	l.head = genesisHash
	if last != nil {
		l.seq = last.Sequence
		l.head = last.Hash
	}
	l.loaded = true
	return nil
}

// Query returns entries matching f, most recent first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return l.store.Find(ctx, f)
}

func (l *Log) QueryByUser(ctx context.Context, actorID string, opts QueryOptions) ([]Entry, error) {
	return l.Query(ctx, Filter{ActorID: actorID, Limit: limitOr(opts.Limit, DefaultQueryLimit), Offset: opts.Offset})
}

func (l *Log) QueryByResource(ctx context.Context, resourceType, resourceID string, opts QueryOptions) ([]Entry, error) {
	return l.Query(ctx, Filter{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Limit:        limitOr(opts.Limit, DefaultQueryLimit),
		Offset:       opts.Offset,
	})
}

func (l *Log) QueryByDateRange(ctx context.Context, since, until time.Time, opts QueryOptions) ([]Entry, error) {
	return l.Query(ctx, Filter{Since: since, Until: until, Limit: limitOr(opts.Limit, DefaultDateRangeLimit), Offset: opts.Offset})
}

// QueryFailedAttempts returns denied entries.
func (l *Log) QueryFailedAttempts(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	return l.Query(ctx, Filter{Outcome: Denied, Limit: limitOr(opts.Limit, DefaultQueryLimit), Offset: opts.Offset})
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

// Summary aggregates a report window.
type Summary struct {
	TotalActions      int            `json:"total_actions"`
	SuccessfulActions int            `json:"successful_actions"`
	FailedActions     int            `json:"failed_actions"`
	UniqueUsers       int            `json:"unique_users"`
	ActionBreakdown   map[string]int `json:"action_breakdown"`
	ResourceBreakdown map[string]int `json:"resource_breakdown"`
}

// Report is a compliance report over a date range.
type Report struct {
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	GeneratedAt time.Time `json:"generated_at"`
	Summary     Summary   `json:"summary"`
	// Logs holds at most MaxReportLogs of the most recent entries.
	Logs []Entry `json:"logs"`
}

// GenerateReport summarizes every entry matching f, usually a date range.
// Pagination fields on f are ignored.
func (l *Log) GenerateReport(ctx context.Context, f Filter) (*Report, error) {
	f.Limit, f.Offset = 0, 0
	entries, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	summary := Summary{
		TotalActions:      len(entries),
		ActionBreakdown:   map[string]int{},
		ResourceBreakdown: map[string]int{},
	}
	users := map[string]struct{}{}
	for _, e := range entries {
		if e.Outcome == Allowed {
			summary.SuccessfulActions++
		} else {
			summary.FailedActions++
		}
		users[e.ActorID] = struct{}{}
		summary.ActionBreakdown[e.Operation]++
		if e.ResourceType != "" {
			summary.ResourceBreakdown[e.ResourceType]++
		}
	}
	summary.UniqueUsers = len(users)

	return &Report{
		Since:       f.Since,
		Until:       f.Until,
		GeneratedAt: l.clock().UTC(),
		Summary:     summary,
		Logs:        paginate(entries, MaxReportLogs, 0),
	}, nil
}

// Verify walks the whole chain from the first entry and reports the first
// entry whose link or hash does not match.
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.store.Find(ctx, Filter{})
	if err != nil {
		return err
	}
	sortBySequence(entries)

	prev := genesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, i+1, e.Sequence)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Sequence)
		}
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

func sortBySequence(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
}

// hashable fixes the field order covered by an entry's hash.
type hashable struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Level         string         `json:"level"`
	Timestamp     string         `json:"timestamp"`
	ActorID       string         `json:"actor_id"`
	Operation     string         `json:"operation"`
	EscalationID  string         `json:"escalation_id"`
	SourceAddress string         `json:"source_address"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Outcome       Outcome        `json:"outcome"`
	Details       map[string]any `json:"details"`
	PreviousHash  string         `json:"previous_hash"`
}

func computeHash(e Entry) (string, error) {
	b, err := json.Marshal(hashable{
		ID:            e.ID,
		Sequence:      e.Sequence,
		Level:         e.Level,
		Timestamp:     formatTimestamp(e.Timestamp),
		ActorID:       e.ActorID,
		Operation:     e.Operation,
		EscalationID:  e.EscalationID,
		SourceAddress: e.SourceAddress,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Outcome:       e.Outcome,
		Details:       e.Details,
		PreviousHash:  e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// timestampLayout is fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
