// Package lightning verifies proofs of control over a Lightning node identity key
// or an LNURL-auth linking key.
//
// Two signature encodings are accepted:
//
//   - lnd signmessage: zbase32 of a 65-byte compact recoverable signature over
//     SHA256(SHA256("Lightning Signed Message:" || challenge id)). The challenge id is
//     signed as the literal ASCII string the client was given.
//   - LUD-04: hex DER signature whose digest is the raw 32 bytes of k1.
package lightning

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/ports"
	"github.com/minio/sha256-simd"
	"github.com/tv42/zbase32"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SignedMessagePrefix is prepended by lnd before hashing a message for signmessage
const SignedMessagePrefix = "Lightning Signed Message:"

const (
	compactSigSize      = 65
	compactSigMagic     = 27
	compactSigCompFlag  = 4
	compressedPubKeyLen = 33
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// Verifier implements ports.Verifier for core.SchemeLightning
type Verifier struct{}

// NewVerifier creates a new Lightning identity verifier
func NewVerifier() *Verifier {
	return &Verifier{}
}

var _ ports.Verifier = (*Verifier)(nil)

// Verify checks that req.Signature was produced by req.PublicKey over the challenge id
func (v *Verifier) Verify(ctx context.Context, challenge core.Challenge, req core.VerificationRequest) (core.Identity, error) {
	lr, ok := req.(core.LightningRequest)
	if !ok {
		return core.Identity{}, fmt.Errorf("lightning verifier got %s request: %w", req.Scheme(), core.ErrMalformedRequest)
	}
	if challenge.State != core.StatePending {
		return core.Identity{}, core.ErrChallengeAlreadyResolved
	}
	if lr.ChallengeID != challenge.ID {
		return core.Identity{}, fmt.Errorf("request is for challenge %q: %w", lr.ChallengeID, core.ErrMalformedRequest)
	}

	pubKey, err := parsePublicKey(lr.PublicKey)
	if err != nil {
		return core.Identity{}, err
	}

	if der, ok := decodeDER(lr.Signature); ok {
		err = verifyLinkingKey(challenge.ID, der, pubKey)
	} else {
		err = verifyNodeSignature(challenge.ID, lr.Signature, pubKey)
	}
	if err != nil {
		return core.Identity{}, err
	}

	return core.Identity{
		Scheme:    core.SchemeLightning,
		PublicKey: hex.EncodeToString(pubKey),
	}, nil
}

// SignedMessageDigest returns the digest lnd signs for message
func SignedMessageDigest(message []byte) []byte {
	first := sha256.Sum256(append([]byte(SignedMessagePrefix), message...))
	second := sha256.Sum256(first[:])
	return second[:]
}

// EncodeCompact converts a go-ethereum [R || S || V] signature into lnd's zbase32
// compact form [27 + 4 + V || R || S]
func EncodeCompact(sig []byte) (string, error) {
	if len(sig) != compactSigSize {
		return "", fmt.Errorf("signature must be %d bytes, got %d", compactSigSize, len(sig))
	}
	compact := make([]byte, 0, compactSigSize)
	compact = append(compact, compactSigMagic+compactSigCompFlag+sig[64])
	compact = append(compact, sig[:64]...)
	return zbase32.EncodeToString(compact), nil
}

func verifyNodeSignature(challengeID, signature string, pubKey []byte) error {
	compact, err := zbase32.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is neither zbase32 nor DER: %w", core.ErrInvalidSignature)
	}
	if len(compact) != compactSigSize {
		return fmt.Errorf("compact signature must be %d bytes: %w", compactSigSize, core.ErrInvalidSignature)
	}

	recID := compact[0] - compactSigMagic
	if recID >= compactSigCompFlag {
		recID -= compactSigCompFlag
	}
	if recID > 3 {
		return fmt.Errorf("bad recovery flag %d: %w", compact[0], core.ErrInvalidSignature)
	}

	ethSig := make([]byte, 0, compactSigSize)
	ethSig = append(ethSig, compact[1:]...)
	ethSig = append(ethSig, recID)

	recovered, err := crypto.SigToPub(SignedMessageDigest([]byte(challengeID)), ethSig)
	if err != nil {
		return fmt.Errorf("public key recovery failed: %w", core.ErrInvalidSignature)
	}
	if !bytes.Equal(crypto.CompressPubkey(recovered), pubKey) {
		return fmt.Errorf("signature was made by another key: %w", core.ErrInvalidSignature)
	}
	return nil
}

func verifyLinkingKey(challengeID string, sig, pubKey []byte) error {
	k1, err := hex.DecodeString(challengeID)
	if err != nil || len(k1) != 32 {
		return fmt.Errorf("k1 is not 32 hex bytes: %w", core.ErrInvalidSignature)
	}
	if !crypto.VerifySignature(pubKey, k1, sig) {
		return core.ErrInvalidSignature
	}
	return nil
}

func parsePublicKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != compressedPubKeyLen {
		return nil, fmt.Errorf("public key must be 33-byte compressed hex: %w", core.ErrInvalidSignature)
	}
	if _, err := crypto.DecompressPubkey(raw); err != nil {
		return nil, fmt.Errorf("public key is not on secp256k1: %w", core.ErrInvalidSignature)
	}
	return raw, nil
}

// decodeDER parses a hex DER ECDSA signature into a low-S 64-byte [R || S]
func decodeDER(s string) ([]byte, bool) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}

	var (
		inner cryptobyte.String
		r, sv = new(big.Int), new(big.Int)
	)
	input := cryptobyte.String(raw)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(sv) ||
		!inner.Empty() {
		return nil, false
	}
	if r.Sign() <= 0 || sv.Sign() <= 0 || r.Cmp(secp256k1N) >= 0 || sv.Cmp(secp256k1N) >= 0 {
		return nil, false
	}
	if sv.Cmp(secp256k1HalfN) > 0 {
		sv.Sub(secp256k1N, sv)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])
	return sig, true
}
