package nodesigner

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/lnauth/adapters/verifier/lightning"
	"github.com/layer-3/lnauth/ports"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// KeySigner holds a secp256k1 identity key in process memory. It stands in for an
// authenticated node RPC handle when the key is available locally.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// Generate creates a KeySigner with a fresh random key
func Generate() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

// FromHex loads a KeySigner from a 32-byte hex private key
func FromHex(privateKeyHex string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

var _ ports.NodeSigner = (*KeySigner)(nil)

// Identity returns the compressed public key in hex
func (s *KeySigner) Identity(ctx context.Context) (string, error) {
	return hex.EncodeToString(crypto.CompressPubkey(&s.key.PublicKey)), nil
}

// SignMessage signs message the way lnd's signmessage RPC does
func (s *KeySigner) SignMessage(ctx context.Context, message []byte) (string, error) {
	sig, err := crypto.Sign(lightning.SignedMessageDigest(message), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return lightning.EncodeCompact(sig)
}

// SignK1 signs the raw k1 bytes with the key as an LNURL-auth linking key and
// returns the hex DER signature
func (s *KeySigner) SignK1(k1Hex string) (string, error) {
	k1, err := hex.DecodeString(k1Hex)
	if err != nil || len(k1) != 32 {
		return "", fmt.Errorf("k1 must be 32 hex bytes")
	}

	sig, err := crypto.Sign(k1, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign k1: %w", err)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[:32]))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[32:64]))
	})
	der, err := b.Bytes()
	if err != nil {
		return "", fmt.Errorf("failed to encode signature: %w", err)
	}
	return hex.EncodeToString(der), nil
}
