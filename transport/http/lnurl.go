package http

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const lnurlHRP = "lnurl"

// EncodeLNURL bech32-encodes a URL for wallets that scan LUD-01 codes
func EncodeLNURL(raw string) (string, error) {
	encoded, err := bech32.EncodeFromBase256(lnurlHRP, []byte(raw))
	if err != nil {
		return "", fmt.Errorf("encode lnurl: %w", err)
	}
	return strings.ToUpper(encoded), nil
}

// DecodeLNURL reverses EncodeLNURL
func DecodeLNURL(encoded string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(encoded))
	if err != nil {
		return "", fmt.Errorf("decode lnurl: %w", err)
	}
	if hrp != lnurlHRP {
		return "", fmt.Errorf("decode lnurl: unexpected prefix %q", hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("decode lnurl: %w", err)
	}
	return string(raw), nil
}
