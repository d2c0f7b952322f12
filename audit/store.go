package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists audit entries. Implementations must never expose a way to
// modify or remove an entry once inserted.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Find(ctx context.Context, f Filter) ([]Entry, error)
	// Last returns the entry with the highest sequence, or nil when empty.
	Last(ctx context.Context) (*Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, e Entry) error {
	details, err := normalizeDetails(e.Details)
	if err != nil {
		return err
	}
	e.Details = details

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && s.entries[n-1].Sequence >= e.Sequence {
		return fmt.Errorf("%w: %d", ErrSequenceTaken, e.Sequence)
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	matched := make([]Entry, 0)
	for _, e := range s.entries {
		if f.matches(e) {
			matched = append(matched, e.clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Sequence > matched[j].Sequence
	})

	return paginate(matched, f.Limit, f.Offset), nil
}

func (s *MemoryStore) Last(ctx context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1].clone()
	return &last, nil
}

func paginate(entries []Entry, limit, offset int) []Entry {
	if offset > 0 {
		if offset >= len(entries) {
			return []Entry{}
		}
		entries = entries[offset:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
