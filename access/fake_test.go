package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hengadev/medguard/audit"
	"github.com/hengadev/medguard/escalation"
)

type fakeStore struct {
	level  Level
	tables map[string][]Row

	mu      sync.Mutex
	ops     []Operation
	closed  bool
	block   chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (s *fakeStore) Do(ctx context.Context, op Operation) (*Result, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)

	if strings.HasPrefix(op.Query, "SELECT * FROM ") {
		rows, ok := s.tables[op.Table]
		if !ok {
			return nil, fmt.Errorf("no such table: %s", op.Table)
		}
		return &Result{Rows: rows}, nil
	}
	return &Result{RowsAffected: 1}, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) forwarded() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.ops...)
}

type fakeConnector struct {
	tables map[string][]Row
	failOn Level

	mu       sync.Mutex
	stores   map[Level]*fakeStore
	maxConns map[Level]int
	connects int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		tables:   map[string][]Row{},
		stores:   map[Level]*fakeStore{},
		maxConns: map[Level]int{},
	}
}

func (c *fakeConnector) Connect(_ context.Context, level Level, maxConns int) (Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if level == c.failOn {
		return nil, errors.New("connection refused")
	}
	s := &fakeStore{level: level, tables: c.tables}
	c.stores[level] = s
	c.maxConns[level] = maxConns
	return s, nil
}

type prefixHasher struct{}

func (prefixHasher) Hash(text, salt string) string { return "h:" + salt + text }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingAuditor wraps a Log and fails on demand.
type failingAuditor struct {
	log  *audit.Log
	fail atomic.Bool
}

func (a *failingAuditor) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if a.fail.Load() {
		return audit.Entry{}, fmt.Errorf("%w: disk full", audit.ErrAuditWrite)
	}
	return a.log.Append(ctx, e)
}

type harness struct {
	manager   *Manager
	connector *fakeConnector
	log       *audit.Log
	auditor   *failingAuditor
	registry  *escalation.Registry
	clock     *fakeClock
}

func (h *harness) entries(ctx context.Context) []audit.Entry {
	got, err := h.log.Query(ctx, audit.Filter{})
	if err != nil {
		panic(err)
	}
	return got
}
