package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/layer-3/lnauth/adapters/nodesigner"
	"github.com/layer-3/lnauth/adapters/relay"
	"github.com/layer-3/lnauth/adapters/store"
	"github.com/layer-3/lnauth/adapters/verifier/lightning"
	"github.com/layer-3/lnauth/adapters/verifier/nostrauth"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/remotesigner"
	"github.com/layer-3/lnauth/remotesigner/signertest"
	"github.com/layer-3/lnauth/service"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic     string
	challenge core.Challenge
	reason    string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishVerified(ctx context.Context, c core.Challenge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: "verified", challenge: c})
	return nil
}

func (p *recordingPublisher) PublishFailed(ctx context.Context, c core.Challenge, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: "failed", challenge: c, reason: reason})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type stubProfiles struct {
	md  *core.Metadata
	err error
}

func (s stubProfiles) FetchProfile(ctx context.Context, identity core.Identity) (*core.Metadata, error) {
	return s.md, s.err
}

type fixture struct {
	clock *clock.Mock
	store *store.MemoryStore
	pub   *recordingPublisher
	svc   *service.AuthService
}

func newFixture(t *testing.T, opts ...service.Option) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))

	f := &fixture{
		clock: clk,
		store: store.NewMemoryStore(store.WithClock(clk)),
		pub:   &recordingPublisher{},
	}
	opts = append([]service.Option{
		service.WithClock(clk),
		service.WithEventPublisher(f.pub),
	}, opts...)
	f.svc = service.NewAuthService(
		f.store,
		lightning.NewVerifier(),
		nostrauth.NewVerifier(nostrauth.WithClock(clk)),
		opts...,
	)
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) signLightning(t *testing.T, signer *nodesigner.KeySigner, id string) core.LightningRequest {
	t.Helper()
	ctx := context.Background()
	pub, err := signer.Identity(ctx)
	require.NoError(t, err)
	sig, err := signer.SignMessage(ctx, []byte(id))
	require.NoError(t, err)
	return core.LightningRequest{ChallengeID: id, Signature: sig, PublicKey: pub}
}

func (f *fixture) signNostr(t *testing.T, sk, id string) core.NostrRequest {
	t.Helper()
	evt := nostrauth.NewAuthEvent(id, "", f.clock.Now())
	require.NoError(t, evt.Sign(sk))
	return core.NostrRequest{ChallengeID: id, Event: &evt}
}

func TestLightningIssuePollVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	assert.Len(t, ch.ID, 64)
	assert.Equal(t, service.DefaultChallengeTTL, ch.ExpiresAt.Sub(ch.CreatedAt))

	view, err := f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, view.State)
	assert.Nil(t, view.Identity)

	signer, err := nodesigner.Generate()
	require.NoError(t, err)
	req := f.signLightning(t, signer, ch.ID)

	identity, err := f.svc.SubmitVerification(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.PublicKey, identity.PublicKey)

	view, err = f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateVerified, view.State)
	require.NotNil(t, view.Identity)
	assert.Equal(t, req.PublicKey, view.Identity.PublicKey)

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "verified", events[0].topic)
	assert.Equal(t, ch.ID, events[0].challenge.ID)
}

func TestSubmitAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	signer, err := nodesigner.Generate()
	require.NoError(t, err)
	req := f.signLightning(t, signer, ch.ID)

	f.clock.Add(service.DefaultChallengeTTL + time.Second)

	_, err = f.svc.SubmitVerification(ctx, req)
	require.ErrorIs(t, err, core.ErrChallengeExpired)
	assert.Equal(t, "ChallengeExpired", core.Reason(err))

	view, err := f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateExpired, view.State)
	assert.Nil(t, view.Identity)
	assert.Empty(t, f.pub.all())
}

func TestConcurrentSubmissionsVerifyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)

	const workers = 16
	reqs := make([]core.LightningRequest, workers)
	for i := range reqs {
		signer, err := nodesigner.Generate()
		require.NoError(t, err)
		reqs[i] = f.signLightning(t, signer, ch.ID)
	}

	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		errs   = make([]error, workers)
		winner string
		mu     sync.Mutex
	)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id, err := f.svc.SubmitVerification(ctx, reqs[i])
			errs[i] = err
			if err == nil {
				mu.Lock()
				winner = id.PublicKey
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, core.ErrChallengeAlreadyResolved)
	}
	assert.Equal(t, 1, wins)

	view, err := f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Identity)
	assert.Equal(t, winner, view.Identity.PublicKey)
	assert.Len(t, f.pub.all(), 1)
}

func TestInvalidSignatureFailsChallenge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	signer, err := nodesigner.Generate()
	require.NoError(t, err)
	other, err := nodesigner.Generate()
	require.NoError(t, err)

	req := f.signLightning(t, signer, ch.ID)
	req.PublicKey = f.signLightning(t, other, ch.ID).PublicKey

	_, err = f.svc.SubmitVerification(ctx, req)
	require.ErrorIs(t, err, core.ErrInvalidSignature)

	view, err := f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, view.State)
	assert.Nil(t, view.Identity)

	// a consumed challenge cannot be replayed with a good signature
	_, err = f.svc.SubmitVerification(ctx, f.signLightning(t, signer, ch.ID))
	require.ErrorIs(t, err, core.ErrChallengeAlreadyResolved)

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].topic)
	assert.Equal(t, "InvalidSignature", events[0].reason)
}

func TestMalformedRequestsDoNotConsume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	signer, err := nodesigner.Generate()
	require.NoError(t, err)

	_, err = f.svc.SubmitVerification(ctx, f.signLightning(t, signer, ch.ID))
	require.ErrorIs(t, err, core.ErrMalformedRequest, "lightning proof for a nostr challenge")

	_, err = f.svc.SubmitVerification(ctx, core.NostrRequest{})
	require.ErrorIs(t, err, core.ErrMalformedRequest)

	_, err = f.svc.SubmitVerification(ctx, nil)
	require.ErrorIs(t, err, core.ErrMalformedRequest)

	_, err = f.svc.SubmitVerification(ctx, core.NostrRequest{ChallengeID: ch.ID})
	require.ErrorIs(t, err, core.ErrMalformedRequest, "no event")

	_, err = f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.ErrorIs(t, err, core.ErrMalformedRequest)

	view, err := f.svc.Status(ctx, core.SchemeNostr, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, view.State)

	_, err = f.svc.SubmitVerification(ctx, core.LightningRequest{ChallengeID: "missing"})
	require.ErrorIs(t, err, core.ErrChallengeNotFound)

	_, err = f.svc.IssueChallenge(ctx, core.Scheme("webauthn"))
	require.ErrorIs(t, err, core.ErrMalformedRequest)

	ln, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	_, err = f.svc.SubmitVerification(ctx, core.LightningRequest{ChallengeID: ln.ID, PublicKey: "02aa"})
	require.ErrorIs(t, err, core.ErrMalformedRequest, "no signature")

	view, err = f.svc.Status(ctx, core.SchemeLightning, ln.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, view.State)
	assert.Empty(t, f.pub.all(), "rejected requests publish nothing")
}

func TestNostrVerifyAndTamper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	identity, err := f.svc.SubmitVerification(ctx, f.signNostr(t, sk, ch.ID))
	require.NoError(t, err)
	assert.Equal(t, pk, identity.PublicKey)
	assert.NotEmpty(t, identity.Npub)

	tampered, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	req := f.signNostr(t, sk, tampered.ID)
	req.Event.Content = "changed after signing"

	_, err = f.svc.SubmitVerification(ctx, req)
	require.ErrorIs(t, err, core.ErrInvalidEventStructure)

	view, err := f.svc.Status(ctx, core.SchemeNostr, tampered.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, view.State)
}

func TestStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	signer, err := nodesigner.Generate()
	require.NoError(t, err)
	_, err = f.svc.SubmitVerification(ctx, f.signLightning(t, signer, ch.ID))
	require.NoError(t, err)

	first, err := f.svc.Status(ctx, core.SchemeLightning, ch.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.clock.Add(time.Minute)
		again, err := f.svc.Status(ctx, core.SchemeLightning, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again, "a verified challenge never expires")
	}

	pending, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	a, err := f.svc.Status(ctx, core.SchemeLightning, pending.ID)
	require.NoError(t, err)
	b, err := f.svc.Status(ctx, core.SchemeLightning, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExpectedIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner, err := nodesigner.Generate()
	require.NoError(t, err)
	ownerKey, err := owner.Identity(ctx)
	require.NoError(t, err)
	stranger, err := nodesigner.Generate()
	require.NoError(t, err)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeLightning, service.ExpectIdentity(ownerKey))
	require.NoError(t, err)
	_, err = f.svc.SubmitVerification(ctx, f.signLightning(t, stranger, ch.ID))
	require.ErrorIs(t, err, core.ErrIdentityMismatch)
	assert.Equal(t, "InvalidSignature", core.Reason(err))

	ch, err = f.svc.IssueChallenge(ctx, core.SchemeLightning, service.ExpectIdentity(ownerKey))
	require.NoError(t, err)
	identity, err := f.svc.SubmitVerification(ctx, f.signLightning(t, owner, ch.ID))
	require.NoError(t, err)
	assert.Equal(t, ownerKey, identity.PublicKey)
}

func TestEnrichmentAttachesMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, service.WithProfileFetcher(stubProfiles{md: &core.Metadata{Name: "alice"}}))
	sk := nostr.GeneratePrivateKey()

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	_, err = f.svc.SubmitVerification(ctx, f.signNostr(t, sk, ch.ID))
	require.NoError(t, err)
	f.svc.Wait()

	view, err := f.svc.Status(ctx, core.SchemeNostr, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateVerified, view.State)
	require.NotNil(t, view.Metadata)
	assert.Equal(t, "alice", view.Metadata.Name)
}

func TestEnrichmentFailureKeepsVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, service.WithProfileFetcher(stubProfiles{err: errors.Join(core.ErrEnrichmentFailed, errors.New("relay down"))}))
	sk := nostr.GeneratePrivateKey()

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	_, err = f.svc.SubmitVerification(ctx, f.signNostr(t, sk, ch.ID))
	require.NoError(t, err)
	f.svc.Wait()

	view, err := f.svc.Status(ctx, core.SchemeNostr, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateVerified, view.State)
	assert.NotNil(t, view.Identity)
	assert.Nil(t, view.Metadata)
}

func remoteFixture(t *testing.T, configure func(*signertest.Bunker), opts ...remotesigner.Option) (*fixture, *signertest.Bunker) {
	t.Helper()
	r := relay.NewMemory()
	b := signertest.New(r)
	if configure != nil {
		configure(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Start(ctx))

	dialer := remotesigner.NewDialer(func(ctx context.Context, urls []string) (relay.Relay, error) {
		return r, nil
	}, opts...)
	return newFixture(t, service.WithSignerDialer(dialer)), b
}

func TestRemoteSignerVerifies(t *testing.T) {
	ctx := context.Background()
	f, bunker := remoteFixture(t, nil)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConnectRemoteSigner(ctx, ch.ID, bunker.URI("wss://relay.example.com")))
	f.svc.Wait()

	view, err := f.svc.Status(ctx, core.SchemeNostr, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateVerified, view.State)
	require.NotNil(t, view.Identity)
	assert.Equal(t, bunker.UserPubKey(), view.Identity.PublicKey)
}

func TestRemoteSignerImpersonation(t *testing.T) {
	ctx := context.Background()
	impostor := nostr.GeneratePrivateKey()
	f, bunker := remoteFixture(t, func(b *signertest.Bunker) {
		b.Mutate = func(evt *nostr.Event) { _ = evt.Sign(impostor) }
	})

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConnectRemoteSigner(ctx, ch.ID, bunker.URI("wss://relay.example.com")))
	f.svc.Wait()

	view, err := f.svc.Status(ctx, core.SchemeNostr, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, view.State)
}

func TestRemoteSignerTimeoutLeavesPending(t *testing.T) {
	ctx := context.Background()
	f, bunker := remoteFixture(t, func(b *signertest.Bunker) { b.SetSilent(true) }, remotesigner.WithCallTimeout(50*time.Millisecond))

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConnectRemoteSigner(ctx, ch.ID, bunker.URI("wss://relay.example.com")))
	f.svc.Wait()

	view, err := f.svc.Status(ctx, core.SchemeNostr, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, view.State)
}

func TestConnectRemoteSignerRejections(t *testing.T) {
	ctx := context.Background()
	f, bunker := remoteFixture(t, nil)
	uri := bunker.URI("wss://relay.example.com")

	err := f.svc.ConnectRemoteSigner(ctx, "missing", uri)
	require.ErrorIs(t, err, core.ErrChallengeNotFound)

	ln, err := f.svc.IssueChallenge(ctx, core.SchemeLightning)
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.ConnectRemoteSigner(ctx, ln.ID, uri), core.ErrMalformedRequest)

	ch, err := f.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.ConnectRemoteSigner(ctx, ch.ID, ""), core.ErrMalformedRequest)

	f.clock.Add(service.DefaultChallengeTTL + time.Second)
	require.ErrorIs(t, f.svc.ConnectRemoteSigner(ctx, ch.ID, uri), core.ErrChallengeExpired)

	disabled := newFixture(t)
	ch, err = disabled.svc.IssueChallenge(ctx, core.SchemeNostr)
	require.NoError(t, err)
	require.ErrorIs(t, disabled.svc.ConnectRemoteSigner(ctx, ch.ID, uri), core.ErrMalformedRequest)
}
