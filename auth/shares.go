package auth

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/blake2b"
)

// checksumSize is the length of the integrity tag appended to a secret
// before it is split, so that combining too few or mismatched shares is
// detected instead of yielding a wrong secret.
const checksumSize = 4

var ErrInvalidShares = errors.New("shares do not reconstruct a valid secret")

// SplitSecret splits a resumption secret into parts hex-encoded shares,
// any threshold of which reconstruct it. Replicas behind a load balancer
// must share the secret for tokens to validate everywhere; operators keep
// one share each instead of the secret itself.
func SplitSecret(secret []byte, parts, threshold int) ([]string, error) {
	if len(secret) < 32 {
		return nil, errors.New("resumption secret must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(append(bytes.Clone(secret), checksum(secret)...), parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	out := make([]string, len(shares))
	for i, s := range shares {
		out[i] = hex.EncodeToString(s)
	}
	return out, nil
}

// CombineShares reconstructs a secret from hex-encoded shares produced by
// SplitSecret.
func CombineShares(shares []string) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: at least 2 shares are required", ErrInvalidShares)
	}
	raw := make([][]byte, len(shares))
	for i, s := range shares {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("share %d: invalid hex: %w", i, err)
		}
		raw[i] = b
	}

	combined, err := shamir.Combine(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShares, err)
	}
	if len(combined) < 32+checksumSize {
		return nil, ErrInvalidShares
	}
	secret, tag := combined[:len(combined)-checksumSize], combined[len(combined)-checksumSize:]
	if !bytes.Equal(tag, checksum(secret)) {
		return nil, ErrInvalidShares
	}
	return secret, nil
}

func checksum(secret []byte) []byte {
	sum := blake2b.Sum256(secret)
	return sum[:checksumSize]
}
