package x402escrow

import (
	"fmt"
	"strings"

	"github.com/hamiha70/x402-escrow-sub002/intent"
)

// equalAddr compares hex addresses case-insensitively.
func equalAddr(a, b string) bool {
	return strings.EqualFold(a, b)
}

// splitSignature decomposes a 65-byte hex signature into the (v, r, s)
// form EIP-3009 contract calls take. v is normalized to 27/28.
func splitSignature(signatureHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	sig, err := intent.HexToBytes(signatureHex)
	if err != nil {
		return 0, r, s, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// nonceBytes32 parses a bytes32 hex nonce.
func nonceBytes32(nonceHex string) ([32]byte, error) {
	var out [32]byte
	b, err := intent.HexToBytes(nonceHex)
	if err != nil {
		return out, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
