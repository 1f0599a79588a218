package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/logging"
	"github.com/layer-3/lnauth/ports"
	"go.uber.org/zap"
)

const (
	DefaultGracePeriod     = 5 * time.Minute
	DefaultJanitorInterval = time.Minute
)

// record holds an immutable challenge snapshot that is only ever swapped, never edited
type record struct {
	current atomic.Pointer[core.Challenge]
}

// MemoryStore is an in-memory implementation of the ChallengeStore interface.
// The map lock only guards membership; state transitions are compare-and-swap
// on the per-record snapshot pointer.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record

	clock clock.Clock
	grace time.Duration
}

// Option configures a MemoryStore
type Option func(*MemoryStore)

// WithClock replaces the wall clock, used by tests to drive expiry
func WithClock(c clock.Clock) Option {
	return func(s *MemoryStore) { s.clock = c }
}

// WithGracePeriod sets how long terminal records are retained after ExpiresAt
func WithGracePeriod(d time.Duration) Option {
	return func(s *MemoryStore) { s.grace = d }
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*record),
		clock:   clock.New(),
		grace:   DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.ChallengeStore = (*MemoryStore)(nil)

// Put inserts a new challenge
func (s *MemoryStore) Put(ctx context.Context, challenge core.Challenge) error {
	if err := challenge.Check(); err != nil {
		return err
	}

	rec := &record{}
	rec.current.Store(&challenge)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[challenge.ID]; exists {
		return fmt.Errorf("%w: %s", core.ErrDuplicateChallenge, challenge.ID)
	}
	s.records[challenge.ID] = rec
	return nil
}

// Get returns a snapshot of the challenge, persisting the Expired state if the TTL has passed
func (s *MemoryStore) Get(ctx context.Context, id string) (core.Challenge, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return core.Challenge{}, err
	}
	return *s.resolveExpiry(rec), nil
}

// Update applies mutate with compare-and-swap semantics. The mutator may be invoked
// more than once if another writer wins the race, and always sees the freshest snapshot.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate ports.Mutator) (core.Challenge, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return core.Challenge{}, err
	}

	for {
		old := s.resolveExpiry(rec)

		next, err := mutate(*old)
		if err != nil {
			return *old, err
		}
		if next.ID != old.ID {
			return *old, fmt.Errorf("mutator changed challenge id: %w", core.ErrInvalidTransition)
		}
		if err := old.CheckUpdate(next); err != nil {
			return *old, err
		}
		if err := next.Check(); err != nil {
			return *old, err
		}

		if rec.current.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}

// Delete removes a challenge
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", core.ErrChallengeNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// Len returns the number of retained records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Cleanup drops every record whose grace window has elapsed and returns how many were removed
func (s *MemoryStore) Cleanup() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if s.collectable(rec.current.Load(), now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired records every interval until ctx is done. Correctness never
// depends on it; expiry is always resolved on access.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) error {
	logger := logging.FromContext(ctx).Named("challenge-janitor")
	t := s.clock.Ticker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.Cleanup(); n > 0 {
				logger.Debug("removed expired challenges", zap.Int("count", n))
			}
		}
	}
}

func (s *MemoryStore) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrChallengeNotFound, id)
	}

	if s.collectable(rec.current.Load(), s.clock.Now()) {
		s.mu.Lock()
		if s.records[id] == rec {
			delete(s.records, id)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrChallengeNotFound, id)
	}
	return rec, nil
}

// resolveExpiry moves a pending record past its TTL into Expired and returns the current snapshot
func (s *MemoryStore) resolveExpiry(rec *record) *core.Challenge {
	for {
		cur := rec.current.Load()
		if cur.State != core.StatePending || !cur.Expired(s.clock.Now()) {
			return cur
		}

		expired := *cur
		expired.State = core.StateExpired
		if rec.current.CompareAndSwap(cur, &expired) {
			return &expired
		}
	}
}

func (s *MemoryStore) collectable(c *core.Challenge, now time.Time) bool {
	return now.After(c.ExpiresAt.Add(s.grace))
}
