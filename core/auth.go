package core

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Scheme identifies a challenge-response protocol
type Scheme string

const (
	// SchemeLightning is the LNURL-auth / node identity signature scheme
	SchemeLightning Scheme = "lnurl"

	// SchemeNostr is the signed Nostr event scheme
	SchemeNostr Scheme = "nostr"
)

// ParseScheme converts a URL path segment into a Scheme
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeLightning, SchemeNostr:
		return Scheme(s), nil
	default:
		return "", fmt.Errorf("unknown scheme %q: %w", s, ErrMalformedRequest)
	}
}

// State is the lifecycle state of a challenge
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateExpired  State = "expired"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transition is allowed out of s
func (s State) Terminal() bool {
	return s != StatePending
}

// Identity is the public key a challenge was verified against
type Identity struct {
	Scheme    Scheme `json:"scheme"`
	PublicKey string `json:"pubkey"` // hex, compressed secp256k1 for lnurl, x-only for nostr
	Npub      string `json:"npub,omitempty"`
}

// Metadata is best-effort profile enrichment attached after verification
type Metadata struct {
	Name          string `json:"name,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	About         string `json:"about,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Website       string `json:"website,omitempty"`
	LUD16         string `json:"lud16,omitempty"`
	NIP05         string `json:"nip05,omitempty"`
	NIP05Verified bool   `json:"nip05_verified"`
}

// Challenge represents an authentication challenge
type Challenge struct {
	ID        string    // 32 random bytes, hex encoded
	Scheme    Scheme    // Protocol the challenge was issued for
	CreatedAt time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
	State     State
	Identity  *Identity // Set iff State == StateVerified
	Metadata  *Metadata

	// ExpectedKey optionally binds the challenge to a single public key at issuance
	ExpectedKey string
}

// Expired reports whether the challenge TTL has elapsed at now
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CanTransition reports whether c may move into the given state
func (c Challenge) CanTransition(to State) bool {
	if c.State == to {
		return true
	}
	return c.State == StatePending
}

// CheckUpdate validates replacing c with next. The state must be reachable from c's and
// the identity of a verified challenge is fixed.
func (c Challenge) CheckUpdate(next Challenge) error {
	if !c.CanTransition(next.State) {
		return fmt.Errorf("%s -> %s: %w", c.State, next.State, ErrChallengeAlreadyResolved)
	}
	if c.State == StateVerified && !sameIdentity(c.Identity, next.Identity) {
		return fmt.Errorf("identity of a verified challenge cannot change: %w", ErrInvalidTransition)
	}
	return nil
}

func sameIdentity(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Check validates the record-level invariants of a challenge
func (c Challenge) Check() error {
	if c.ID == "" {
		return fmt.Errorf("challenge without id: %w", ErrMalformedRequest)
	}
	if (c.Identity != nil) != (c.State == StateVerified) {
		return fmt.Errorf("identity present in state %s: %w", c.State, ErrInvalidTransition)
	}
	return nil
}

// StatusView is what a polling client sees for a challenge
type StatusView struct {
	State    State
	Identity *Identity
	Metadata *Metadata
}

// View returns the polling view of c
func (c Challenge) View() StatusView {
	return StatusView{
		State:    c.State,
		Identity: c.Identity,
		Metadata: c.Metadata,
	}
}

// VerificationRequest is a normalized, scheme-specific proof of key control.
// The set of implementations is closed to this package.
type VerificationRequest interface {
	Scheme() Scheme
	Challenge() string
	isVerificationRequest()
}

// LightningRequest is a signature over the challenge by a node identity or linking key
type LightningRequest struct {
	ChallengeID string
	Signature   string // zbase32 (lnd signmessage) or hex DER (LUD-04)
	PublicKey   string // hex, 33-byte compressed secp256k1
}

func (LightningRequest) Scheme() Scheme         { return SchemeLightning }
func (r LightningRequest) Challenge() string    { return r.ChallengeID }
func (LightningRequest) isVerificationRequest() {}

// RemoteSignature describes the remote signer session an event came from
type RemoteSignature struct {
	SignerPubKey string
	UserPubKey   string
}

// NostrRequest is a signed authentication event referencing the challenge
type NostrRequest struct {
	ChallengeID string
	Event       *nostr.Event
	Remote      *RemoteSignature // nil when signed directly by the client
}

func (NostrRequest) Scheme() Scheme         { return SchemeNostr }
func (r NostrRequest) Challenge() string    { return r.ChallengeID }
func (NostrRequest) isVerificationRequest() {}
