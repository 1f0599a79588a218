package lightning_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/layer-3/lnauth/adapters/nodesigner"
	"github.com/layer-3/lnauth/adapters/verifier/lightning"
	"github.com/layer-3/lnauth/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingChallenge(t *testing.T) core.Challenge {
	t.Helper()
	k1 := make([]byte, 32)
	_, err := rand.Read(k1)
	require.NoError(t, err)

	now := time.Now()
	return core.Challenge{
		ID:        hex.EncodeToString(k1),
		Scheme:    core.SchemeLightning,
		CreatedAt: now,
		ExpiresAt: now.Add(2 * time.Minute),
		State:     core.StatePending,
	}
}

func TestNodeSignatureRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := lightning.NewVerifier()

	for i := 0; i < 16; i++ {
		signer, err := nodesigner.Generate()
		require.NoError(t, err)
		pub, err := signer.Identity(ctx)
		require.NoError(t, err)

		ch := pendingChallenge(t)
		sig, err := signer.SignMessage(ctx, []byte(ch.ID))
		require.NoError(t, err)

		id, err := v.Verify(ctx, ch, core.LightningRequest{ChallengeID: ch.ID, Signature: sig, PublicKey: pub})
		require.NoError(t, err)
		assert.Equal(t, core.Identity{Scheme: core.SchemeLightning, PublicKey: pub}, id)
	}
}

func TestSignMessageEncoding(t *testing.T) {
	signer, err := nodesigner.FromHex("e8f32e723decf4051aefac8e2c93c9c5b214313817cdb01a1494b917c8436b35")
	require.NoError(t, err)
	ctx := context.Background()

	sig, err := signer.SignMessage(ctx, []byte("hello"))
	require.NoError(t, err)
	// lnd signatures are 65 bytes zbase32 encoded, which is 104 characters
	assert.Len(t, sig, 104)

	ch := pendingChallenge(t)
	ch.ID = "hello"
	pub, err := signer.Identity(ctx)
	require.NoError(t, err)
	_, err = lightning.NewVerifier().Verify(ctx, ch, core.LightningRequest{ChallengeID: "hello", Signature: sig, PublicKey: pub})
	require.NoError(t, err)
}

func TestLinkingKeySignature(t *testing.T) {
	ctx := context.Background()
	signer, err := nodesigner.Generate()
	require.NoError(t, err)
	pub, err := signer.Identity(ctx)
	require.NoError(t, err)

	ch := pendingChallenge(t)
	sig, err := signer.SignK1(ch.ID)
	require.NoError(t, err)

	id, err := lightning.NewVerifier().Verify(ctx, ch, core.LightningRequest{ChallengeID: ch.ID, Signature: sig, PublicKey: pub})
	require.NoError(t, err)
	assert.Equal(t, pub, id.PublicKey)

	other := pendingChallenge(t)
	_, err = lightning.NewVerifier().Verify(ctx, other, core.LightningRequest{ChallengeID: other.ID, Signature: sig, PublicKey: pub})
	require.ErrorIs(t, err, core.ErrInvalidSignature)
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	v := lightning.NewVerifier()

	signer, err := nodesigner.Generate()
	require.NoError(t, err)
	pub, err := signer.Identity(ctx)
	require.NoError(t, err)
	impostor, err := nodesigner.Generate()
	require.NoError(t, err)
	impostorPub, err := impostor.Identity(ctx)
	require.NoError(t, err)

	ch := pendingChallenge(t)
	sig, err := signer.SignMessage(ctx, []byte(ch.ID))
	require.NoError(t, err)
	otherSig, err := signer.SignMessage(ctx, []byte("something else"))
	require.NoError(t, err)

	for _, tt := range []struct {
		name      string
		challenge func() core.Challenge
		req       core.LightningRequest
		err       error
	}{
		{
			name:      "wrong public key",
			challenge: func() core.Challenge { return ch },
			req:       core.LightningRequest{ChallengeID: ch.ID, Signature: sig, PublicKey: impostorPub},
			err:       core.ErrInvalidSignature,
		},
		{
			name:      "signature over other message",
			challenge: func() core.Challenge { return ch },
			req:       core.LightningRequest{ChallengeID: ch.ID, Signature: otherSig, PublicKey: pub},
			err:       core.ErrInvalidSignature,
		},
		{
			name:      "public key not hex",
			challenge: func() core.Challenge { return ch },
			req:       core.LightningRequest{ChallengeID: ch.ID, Signature: sig, PublicKey: "zz"},
			err:       core.ErrInvalidSignature,
		},
		{
			name:      "public key not on curve",
			challenge: func() core.Challenge { return ch },
			req:       core.LightningRequest{ChallengeID: ch.ID, Signature: sig, PublicKey: "02" + strings.Repeat("ff", 32)},
			err:       core.ErrInvalidSignature,
		},
		{
			name:      "garbage signature",
			challenge: func() core.Challenge { return ch },
			req:       core.LightningRequest{ChallengeID: ch.ID, Signature: "not a signature!", PublicKey: pub},
			err:       core.ErrInvalidSignature,
		},
		{
			name: "challenge already verified",
			challenge: func() core.Challenge {
				c := ch
				c.State = core.StateVerified
				c.Identity = &core.Identity{PublicKey: pub}
				return c
			},
			req: core.LightningRequest{ChallengeID: ch.ID, Signature: sig, PublicKey: pub},
			err: core.ErrChallengeAlreadyResolved,
		},
		{
			name:      "request for another challenge",
			challenge: func() core.Challenge { return ch },
			req:       core.LightningRequest{ChallengeID: "other", Signature: sig, PublicKey: pub},
			err:       core.ErrMalformedRequest,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.challenge(), tt.req)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestWrongRequestType(t *testing.T) {
	ch := pendingChallenge(t)
	_, err := lightning.NewVerifier().Verify(context.Background(), ch, core.NostrRequest{ChallengeID: ch.ID})
	require.ErrorIs(t, err, core.ErrMalformedRequest)
}
