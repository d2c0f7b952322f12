package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces escalation keys.
const DefaultKeyPrefix = "medguard:escalation:"

// RedisStore keeps escalations in Redis so every process sharing the
// instance observes the same active set. Each key expires with its
// escalation, so Redis prunes expired grants on its own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithStoreClock sets the time used to compute key TTLs.
func WithStoreClock(clock func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromAddr dials a single Redis instance.
func NewRedisStoreFromAddr(addr, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(rdb, opts...)
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Put(ctx context.Context, e *Escalation) error {
	ttl := e.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return s.Delete(ctx, e.ID)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding escalation %s: %w", e.ID, err)
	}
	if err := s.client.Set(ctx, s.key(e.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("storing escalation %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Escalation, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEscalationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading escalation %s: %w", id, err)
	}
	var e Escalation
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decoding escalation %s: %w", id, err)
	}
	return &e, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting escalation %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Escalation, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Escalation, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k[len(s.prefix):])
		if errors.Is(err, ErrEscalationNotFound) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clearing escalations: %w", err)
	}
	return nil
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning escalations: %w", err)
	}
	return keys, nil
}
