package ports

import (
	"context"

	"github.com/layer-3/lnauth/core"
	"github.com/nbd-wtf/go-nostr"
)

// Verifier checks a scheme-specific proof against a challenge.
// Implementations are pure and never touch the ChallengeStore.
type Verifier interface {
	Verify(ctx context.Context, challenge core.Challenge, req core.VerificationRequest) (core.Identity, error)
}

// ProfileFetcher looks up optional profile metadata for a verified identity
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, identity core.Identity) (*core.Metadata, error)
}

// NodeSigner is an authenticated handle to a Lightning node identity key
type NodeSigner interface {
	// Identity returns the hex-encoded compressed node public key
	Identity(ctx context.Context) (string, error)

	// SignMessage signs message with the node identity key (lnd signmessage convention)
	SignMessage(ctx context.Context, message []byte) (string, error)
}

// RemoteSigner produces signed Nostr events on behalf of a user over a relayed session
type RemoteSigner interface {
	SignerPubKey() string
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, template nostr.Event) (*nostr.Event, error)
	Close() error
}

// SignerDialer opens a remote signer session from a bunker URI
type SignerDialer interface {
	Dial(ctx context.Context, bunkerURI string) (RemoteSigner, error)
}
