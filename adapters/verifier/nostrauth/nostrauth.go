// Package nostrauth verifies challenge-bearing Nostr authentication events (NIP-42 kind 22242).
package nostrauth

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/ports"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const (
	// AuthKind is the NIP-42 client authentication event kind
	AuthKind = nostr.KindClientAuthentication

	// ChallengeTag names the tag carrying the challenge id
	ChallengeTag = "challenge"

	DefaultMaxClockSkew = 10 * time.Minute
)

// Verifier implements ports.Verifier for core.SchemeNostr
type Verifier struct {
	clock   clock.Clock
	maxSkew time.Duration
}

// Option configures a Verifier
type Option func(*Verifier)

// WithClock sets the clock used to judge created_at skew
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithMaxClockSkew bounds how far created_at may be from now in either direction
func WithMaxClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.maxSkew = d }
}

// NewVerifier creates a new Nostr event verifier
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		clock:   clock.New(),
		maxSkew: DefaultMaxClockSkew,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var _ ports.Verifier = (*Verifier)(nil)

// Verify checks the authentication event structure, content id and Schnorr signature
func (v *Verifier) Verify(ctx context.Context, challenge core.Challenge, req core.VerificationRequest) (core.Identity, error) {
	nr, ok := req.(core.NostrRequest)
	if !ok {
		return core.Identity{}, fmt.Errorf("nostr verifier got %s request: %w", req.Scheme(), core.ErrMalformedRequest)
	}
	if challenge.State != core.StatePending {
		return core.Identity{}, core.ErrChallengeAlreadyResolved
	}
	if nr.ChallengeID != challenge.ID {
		return core.Identity{}, fmt.Errorf("request is for challenge %q: %w", nr.ChallengeID, core.ErrMalformedRequest)
	}

	evt := nr.Event
	if err := v.checkStructure(evt, challenge.ID); err != nil {
		return core.Identity{}, err
	}

	if computed := evt.GetID(); computed != evt.ID {
		return core.Identity{}, fmt.Errorf("event id %s does not match content hash %s: %w", evt.ID, computed, core.ErrInvalidEventStructure)
	}

	ok, err := evt.CheckSignature()
	if err != nil {
		return core.Identity{}, fmt.Errorf("signature check: %v: %w", err, core.ErrInvalidSignature)
	}
	if !ok {
		return core.Identity{}, core.ErrInvalidSignature
	}

	if nr.Remote != nil && nr.Remote.UserPubKey != evt.PubKey {
		return core.Identity{}, fmt.Errorf("remote signer announced %s but signed as %s: %w",
			nr.Remote.UserPubKey, evt.PubKey, core.ErrIdentityMismatch)
	}

	identity := core.Identity{
		Scheme:    core.SchemeNostr,
		PublicKey: evt.PubKey,
	}
	if npub, err := nip19.EncodePublicKey(evt.PubKey); err == nil {
		identity.Npub = npub
	}
	return identity, nil
}

func (v *Verifier) checkStructure(evt *nostr.Event, challengeID string) error {
	if evt == nil {
		return fmt.Errorf("missing event: %w", core.ErrInvalidEventStructure)
	}
	if !isHex(evt.ID, 32) {
		return fmt.Errorf("id must be 32 hex bytes: %w", core.ErrInvalidEventStructure)
	}
	if !isHex(evt.PubKey, 32) {
		return fmt.Errorf("pubkey must be 32 hex bytes: %w", core.ErrInvalidEventStructure)
	}
	if !isHex(evt.Sig, 64) {
		return fmt.Errorf("sig must be 64 hex bytes: %w", core.ErrInvalidEventStructure)
	}
	if evt.Kind != AuthKind {
		return fmt.Errorf("kind %d is not %d: %w", evt.Kind, AuthKind, core.ErrInvalidEventStructure)
	}

	now := v.clock.Now()
	createdAt := evt.CreatedAt.Time()
	if createdAt.Before(now.Add(-v.maxSkew)) || createdAt.After(now.Add(v.maxSkew)) {
		return fmt.Errorf("created_at %s outside allowed skew of %s: %w", createdAt.UTC(), v.maxSkew, core.ErrInvalidEventStructure)
	}

	if got := tagValue(evt.Tags, ChallengeTag); got != challengeID {
		return fmt.Errorf("challenge tag %q does not reference the challenge: %w", got, core.ErrInvalidEventStructure)
	}
	return nil
}

// NewAuthEvent returns the unsigned event template a signer must sign to answer challengeID
func NewAuthEvent(challengeID string, relayURL string, now time.Time) nostr.Event {
	tags := nostr.Tags{{ChallengeTag, challengeID}}
	if relayURL != "" {
		tags = append(tags, nostr.Tag{"relay", relayURL})
	}
	return nostr.Event{
		Kind:      AuthKind,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      tags,
		Content:   "",
	}
}

func tagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
