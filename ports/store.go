package ports

import (
	"context"

	"github.com/layer-3/lnauth/core"
)

// Mutator computes the next version of a challenge from its current snapshot.
// Returning an error aborts the update and leaves the record unchanged.
type Mutator func(current core.Challenge) (core.Challenge, error)

// ChallengeStore holds outstanding challenges keyed by id
type ChallengeStore interface {
	// Put inserts a new challenge, failing with core.ErrDuplicateChallenge if the id is taken
	Put(ctx context.Context, challenge core.Challenge) error

	// Get returns the challenge after resolving lazy expiry
	Get(ctx context.Context, id string) (core.Challenge, error)

	// Update atomically replaces the challenge with the mutator's result.
	// Concurrent updates of the same id are serialized by compare-and-swap.
	Update(ctx context.Context, id string, mutate Mutator) (core.Challenge, error)

	// Delete removes the challenge
	Delete(ctx context.Context, id string) error
}
