package escalation

import (
	"context"
	"sync"
)

// Store holds active escalations.
type Store interface {
	Put(ctx context.Context, e *Escalation) error
	// Get returns ErrEscalationNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Escalation, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Escalation, error)
	Clear(ctx context.Context) error
}

// MemoryStore keeps escalations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Escalation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Escalation)}
}

func (s *MemoryStore) Put(_ context.Context, e *Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[e.ID] = e.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	if !ok {
		return nil, ErrEscalationNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Escalation, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Escalation)
	return nil
}
