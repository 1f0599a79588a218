package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/ports"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "lnauth:challenge:"

	maxUpdateAttempts = 16
)

// RedisStore keeps challenges in Redis so several lnauth instances can share them.
// Updates use WATCH/MULTI optimistic transactions; keys expire once the grace window passes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
	grace  time.Duration
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithRedisClock replaces the wall clock
func WithRedisClock(c clock.Clock) RedisOption {
	return func(s *RedisStore) { s.clock = c }
}

// WithRedisGracePeriod sets how long terminal records are retained after ExpiresAt
func WithRedisGracePeriod(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.grace = d }
}

// WithKeyPrefix namespaces challenge keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		clock:  clock.New(),
		grace:  DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.ChallengeStore = (*RedisStore)(nil)

// Put inserts a new challenge with a key TTL covering its lifetime plus the grace window
func (s *RedisStore) Put(ctx context.Context, challenge core.Challenge) error {
	if err := challenge.Check(); err != nil {
		return err
	}
	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	ttl := challenge.ExpiresAt.Add(s.grace).Sub(s.clock.Now())
	if ttl <= 0 {
		ttl = s.grace
	}

	ok, err := s.client.SetNX(ctx, s.prefix+challenge.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateChallenge, challenge.ID)
	}
	return nil
}

// Get returns the challenge, persisting the Expired state if the TTL has passed
func (s *RedisStore) Get(ctx context.Context, id string) (core.Challenge, error) {
	c, err := s.load(ctx, s.client, id)
	if err != nil {
		return core.Challenge{}, err
	}
	if c.State == core.StatePending && c.Expired(s.clock.Now()) {
		return s.Update(ctx, id, func(current core.Challenge) (core.Challenge, error) {
			return current, nil
		})
	}
	return c, nil
}

// Update applies mutate inside a WATCH transaction, retrying when another writer
// changed the key first
func (s *RedisStore) Update(ctx context.Context, id string, mutate ports.Mutator) (core.Challenge, error) {
	key := s.prefix + id

	var result core.Challenge
	txf := func(tx *redis.Tx) error {
		old, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if old.State == core.StatePending && old.Expired(s.clock.Now()) {
			old.State = core.StateExpired
		}
		result = old

		next, err := mutate(old)
		if err != nil {
			return err
		}
		if next.ID != old.ID {
			return fmt.Errorf("mutator changed challenge id: %w", core.ErrInvalidTransition)
		}
		if err := old.CheckUpdate(next); err != nil {
			return err
		}
		if err := next.Check(); err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode challenge: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return result, fmt.Errorf("update of %s kept conflicting: %w", id, redis.TxFailedErr)
}

// Delete removes a challenge
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.prefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrChallengeNotFound, id)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (core.Challenge, error) {
	raw, err := c.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Challenge{}, fmt.Errorf("%w: %s", core.ErrChallengeNotFound, id)
	}
	if err != nil {
		return core.Challenge{}, fmt.Errorf("failed to load challenge: %w", err)
	}

	var challenge core.Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return core.Challenge{}, fmt.Errorf("failed to decode challenge %s: %w", id, err)
	}
	return challenge, nil
}
