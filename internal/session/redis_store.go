// Package session provides Redis-backed storage for guard sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signflow/api/internal/guard"

	"github.com/redis/go-redis/v9"
)

// expiryGrace keeps a record around past its expiry so the guard's ticker
// still sees it and can fire the expiry callbacks.
const expiryGrace = 10 * time.Minute

const maxUpdateAttempts = 5

// RedisStore implements guard.Store using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:",
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func ttlFor(session guard.Session) time.Duration {
	ttl := time.Until(session.ExpiresAt) + expiryGrace
	if ttl <= 0 {
		ttl = expiryGrace
	}
	return ttl
}

// Save stores a session until shortly after it expires
func (s *RedisStore) Save(ctx context.Context, session guard.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.ID), payload, ttlFor(session)).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get loads a session by id
func (s *RedisStore) Get(ctx context.Context, id string) (guard.Session, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return guard.Session{}, guard.ErrSessionNotFound
	}
	if err != nil {
		return guard.Session{}, fmt.Errorf("lookup session: %w", err)
	}
	return decode(raw)
}

// Update runs fn inside WATCH/MULTI and retries when another writer got in
// first.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*guard.Session) error) (guard.Session, error) {
	key := s.key(id)
	var result guard.Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return guard.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup session: %w", err)
		}
		session, err := decode(raw)
		if err != nil {
			return err
		}
		if err := fn(&session); err != nil {
			return err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttlFor(session))
			return nil
		})
		if err == nil {
			result = session
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return guard.Session{}, err
		}
		return result, nil
	}
	return guard.Session{}, fmt.Errorf("update session %s: too much contention", id)
}

// Delete removes a session
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns every stored session
func (s *RedisStore) List(ctx context.Context) ([]guard.Session, error) {
	var sessions []guard.Session
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", iter.Val(), err)
		}
		session, err := decode(raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decode(raw []byte) (guard.Session, error) {
	var session guard.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return guard.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}
