package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/layer-3/lnauth/adapters/verifier/nostrauth"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/logging"
	"github.com/layer-3/lnauth/ports"
	"go.uber.org/zap"
)

const (
	DefaultChallengeTTL      = 120 * time.Second
	DefaultEnrichmentTimeout = 5 * time.Second

	challengeIDSize = 32
	issueAttempts   = 3
)

// AuthService issues challenges, dispatches proofs to the verifier of their scheme and
// applies the resulting state transitions
type AuthService struct {
	store     ports.ChallengeStore
	lightning ports.Verifier
	nostr     ports.Verifier
	eventPub  ports.EventPublisher
	profiles  ports.ProfileFetcher
	dialer    ports.SignerDialer

	clock             clock.Clock
	challengeTTL      time.Duration
	enrichmentTimeout time.Duration
	relayHint         string

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type Option func(*AuthService)

func WithEventPublisher(p ports.EventPublisher) Option {
	return func(s *AuthService) { s.eventPub = p }
}

// WithProfileFetcher enables best-effort metadata enrichment of verified identities
func WithProfileFetcher(f ports.ProfileFetcher) Option {
	return func(s *AuthService) { s.profiles = f }
}

// WithSignerDialer enables the remote signer flow
func WithSignerDialer(d ports.SignerDialer) Option {
	return func(s *AuthService) { s.dialer = d }
}

func WithClock(c clock.Clock) Option {
	return func(s *AuthService) { s.clock = c }
}

func WithChallengeTTL(ttl time.Duration) Option {
	return func(s *AuthService) { s.challengeTTL = ttl }
}

func WithEnrichmentTimeout(d time.Duration) Option {
	return func(s *AuthService) { s.enrichmentTimeout = d }
}

// WithRelayHint sets the relay tag put on auth events produced for remote signers
func WithRelayHint(url string) Option {
	return func(s *AuthService) { s.relayHint = url }
}

// NewAuthService creates a new authentication service
func NewAuthService(
	store ports.ChallengeStore,
	lightning ports.Verifier,
	nostr ports.Verifier,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		store:             store,
		lightning:         lightning,
		nostr:             nostr,
		clock:             clock.New(),
		challengeTTL:      DefaultChallengeTTL,
		enrichmentTimeout: DefaultEnrichmentTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bg, s.stop = context.WithCancel(context.Background())
	return s
}

// IssueOption customizes a single challenge
type IssueOption func(*core.Challenge)

// ExpectIdentity binds the challenge to one public key: any other valid signer fails it
func ExpectIdentity(pubKey string) IssueOption {
	return func(c *core.Challenge) { c.ExpectedKey = pubKey }
}

// IssueChallenge generates a new pending challenge for scheme
func (s *AuthService) IssueChallenge(ctx context.Context, scheme core.Scheme, opts ...IssueOption) (core.Challenge, error) {
	if _, err := s.verifierFor(scheme); err != nil {
		return core.Challenge{}, err
	}

	for attempt := 0; attempt < issueAttempts; attempt++ {
		id, err := newChallengeID()
		if err != nil {
			return core.Challenge{}, err
		}

		now := s.clock.Now()
		challenge := core.Challenge{
			ID:        id,
			Scheme:    scheme,
			CreatedAt: now,
			ExpiresAt: now.Add(s.challengeTTL),
			State:     core.StatePending,
		}
		for _, opt := range opts {
			opt(&challenge)
		}

		err = s.store.Put(ctx, challenge)
		if errors.Is(err, core.ErrDuplicateChallenge) {
			continue
		}
		if err != nil {
			return core.Challenge{}, fmt.Errorf("failed to store challenge: %w", err)
		}

		challengesIssued.WithLabelValues(string(scheme)).Inc()
		logging.FromContext(ctx).Debug("challenge issued",
			zap.String("id", id),
			zap.String("scheme", string(scheme)),
			zap.Time("expires_at", challenge.ExpiresAt),
		)
		return challenge, nil
	}
	return core.Challenge{}, fmt.Errorf("no free challenge id after %d attempts: %w", issueAttempts, core.ErrDuplicateChallenge)
}

// SubmitVerification checks a proof against its challenge. A valid proof moves the challenge
// to verified, a proof that fails cryptographic or structural checks moves it to failed.
// Malformed requests are rejected without consuming the challenge.
func (s *AuthService) SubmitVerification(ctx context.Context, req core.VerificationRequest) (core.Identity, error) {
	if req == nil || req.Challenge() == "" {
		return core.Identity{}, fmt.Errorf("missing challenge id: %w", core.ErrMalformedRequest)
	}
	start := s.clock.Now()
	scheme := req.Scheme()
	logger := logging.FromContext(ctx).With(zap.String("id", req.Challenge()), zap.String("scheme", string(scheme)))

	identity, err := s.submit(ctx, req)

	outcome := "Verified"
	if err != nil {
		outcome = core.Reason(err)
		logger.Debug("verification rejected", zap.Error(err))
	} else {
		logger.Info("challenge verified", zap.String("pubkey", identity.PublicKey))
	}
	verifications.WithLabelValues(string(scheme), outcome).Inc()
	verificationDuration.WithLabelValues(string(scheme)).Observe(s.clock.Since(start).Seconds())
	return identity, err
}

func (s *AuthService) submit(ctx context.Context, req core.VerificationRequest) (core.Identity, error) {
	current, err := s.store.Get(ctx, req.Challenge())
	if err != nil {
		return core.Identity{}, err
	}
	if current.Scheme != req.Scheme() {
		return core.Identity{}, fmt.Errorf("challenge was issued for %s: %w", current.Scheme, core.ErrMalformedRequest)
	}
	if err := hasProof(req); err != nil {
		return core.Identity{}, err
	}
	if err := pendingOnly(current); err != nil {
		return core.Identity{}, err
	}

	verifier, err := s.verifierFor(current.Scheme)
	if err != nil {
		return core.Identity{}, err
	}

	identity, err := verifier.Verify(ctx, current, req)
	if err == nil && current.ExpectedKey != "" && identity.PublicKey != current.ExpectedKey {
		err = fmt.Errorf("challenge is bound to %s: %w", current.ExpectedKey, core.ErrIdentityMismatch)
	}
	if err != nil {
		if !core.IsVerificationFailure(err) {
			return core.Identity{}, err
		}
		return core.Identity{}, s.fail(ctx, current.ID, err)
	}

	verified, err := s.store.Update(ctx, current.ID, func(c core.Challenge) (core.Challenge, error) {
		if err := pendingOnly(c); err != nil {
			return c, err
		}
		c.State = core.StateVerified
		c.Identity = &identity
		return c, nil
	})
	if err != nil {
		return core.Identity{}, err
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishVerified(ctx, verified); err != nil {
			logging.FromContext(ctx).Warn("failed to publish verified event", zap.Error(err))
		}
	}
	s.enrich(ctx, verified.ID, identity)
	return identity, nil
}

// fail moves a pending challenge to failed and returns the error the caller should see
func (s *AuthService) fail(ctx context.Context, id string, cause error) error {
	failed, err := s.store.Update(ctx, id, func(c core.Challenge) (core.Challenge, error) {
		if err := pendingOnly(c); err != nil {
			return c, err
		}
		c.State = core.StateFailed
		return c, nil
	})
	if err != nil {
		// someone else resolved the challenge or it expired first
		return err
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishFailed(ctx, failed, core.Reason(cause)); err != nil {
			logging.FromContext(ctx).Warn("failed to publish failure event", zap.Error(err))
		}
	}
	return cause
}

// Status returns the polling view of a challenge. It only mutates state through lazy expiry.
func (s *AuthService) Status(ctx context.Context, scheme core.Scheme, id string) (core.StatusView, error) {
	if id == "" {
		return core.StatusView{}, fmt.Errorf("missing challenge id: %w", core.ErrMalformedRequest)
	}
	challenge, err := s.store.Get(ctx, id)
	if err != nil {
		return core.StatusView{}, err
	}
	if challenge.Scheme != scheme {
		return core.StatusView{}, fmt.Errorf("challenge was issued for %s: %w", challenge.Scheme, core.ErrMalformedRequest)
	}
	return challenge.View(), nil
}

// ConnectRemoteSigner starts a background remote signer session that signs the auth event
// for challengeID and submits it. The outcome is observed through Status.
func (s *AuthService) ConnectRemoteSigner(ctx context.Context, challengeID, bunkerURI string) error {
	if s.dialer == nil {
		return fmt.Errorf("remote signing is disabled: %w", core.ErrMalformedRequest)
	}
	if challengeID == "" || bunkerURI == "" {
		return fmt.Errorf("challenge id and bunker uri are required: %w", core.ErrMalformedRequest)
	}

	challenge, err := s.store.Get(ctx, challengeID)
	if err != nil {
		return err
	}
	if challenge.Scheme != core.SchemeNostr {
		return fmt.Errorf("remote signers answer nostr challenges only: %w", core.ErrMalformedRequest)
	}
	if err := pendingOnly(challenge); err != nil {
		return err
	}

	remaining := challenge.ExpiresAt.Sub(s.clock.Now())
	s.goBackground(ctx, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, remaining)
		defer cancel()

		logger := logging.FromContext(ctx).With(zap.String("id", challengeID))
		if err := s.remoteSign(ctx, challengeID, bunkerURI); err != nil {
			logger.Warn("remote signer flow failed", zap.Error(err))
			return
		}
		logger.Info("remote signer flow completed")
	})
	return nil
}

func (s *AuthService) remoteSign(ctx context.Context, challengeID, bunkerURI string) error {
	signer, err := s.dialer.Dial(ctx, bunkerURI)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer signer.Close()

	userPubKey, err := signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("get_public_key: %w", err)
	}

	template := nostrauth.NewAuthEvent(challengeID, s.relayHint, s.clock.Now())
	signed, err := signer.SignEvent(ctx, template)
	if err != nil {
		return fmt.Errorf("sign_event: %w", err)
	}

	_, err = s.SubmitVerification(ctx, core.NostrRequest{
		ChallengeID: challengeID,
		Event:       signed,
		Remote: &core.RemoteSignature{
			SignerPubKey: signer.SignerPubKey(),
			UserPubKey:   userPubKey,
		},
	})
	return err
}

// Close cancels background work and waits for it to finish
func (s *AuthService) Close() {
	s.stop()
	s.wg.Wait()
}

// Wait blocks until all background work started so far has finished
func (s *AuthService) Wait() {
	s.wg.Wait()
}

func (s *AuthService) enrich(ctx context.Context, id string, identity core.Identity) {
	if s.profiles == nil || identity.Scheme != core.SchemeNostr {
		return
	}

	s.goBackground(ctx, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.enrichmentTimeout)
		defer cancel()
		logger := logging.FromContext(ctx).With(zap.String("id", id))

		md, err := s.profiles.FetchProfile(ctx, identity)
		if err != nil {
			enrichments.WithLabelValues("failed").Inc()
			logger.Debug("profile enrichment failed", zap.Error(err))
			return
		}

		_, err = s.store.Update(ctx, id, func(c core.Challenge) (core.Challenge, error) {
			c.Metadata = md
			return c, nil
		})
		if err != nil {
			enrichments.WithLabelValues("dropped").Inc()
			logger.Debug("challenge gone before metadata arrived", zap.Error(err))
			return
		}
		enrichments.WithLabelValues("attached").Inc()
	})
}

// goBackground runs fn detached from the request but bound to the service lifetime,
// carrying over the request logger
func (s *AuthService) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	ctx = logging.NewContext(s.bg, logging.FromContext(ctx))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *AuthService) verifierFor(scheme core.Scheme) (ports.Verifier, error) {
	switch scheme {
	case core.SchemeLightning:
		return s.lightning, nil
	case core.SchemeNostr:
		return s.nostr, nil
	default:
		return nil, fmt.Errorf("unknown scheme %q: %w", scheme, core.ErrMalformedRequest)
	}
}

// hasProof rejects requests that carry nothing to verify, so they never consume the challenge
func hasProof(req core.VerificationRequest) error {
	switch r := req.(type) {
	case core.LightningRequest:
		if r.Signature == "" || r.PublicKey == "" {
			return fmt.Errorf("signature and public key are required: %w", core.ErrMalformedRequest)
		}
	case core.NostrRequest:
		if r.Event == nil {
			return fmt.Errorf("signed event is required: %w", core.ErrMalformedRequest)
		}
	}
	return nil
}

func pendingOnly(c core.Challenge) error {
	switch c.State {
	case core.StatePending:
		return nil
	case core.StateExpired:
		return core.ErrChallengeExpired
	default:
		return core.ErrChallengeAlreadyResolved
	}
}

func newChallengeID() (string, error) {
	b := make([]byte, challengeIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
