package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-relay/interfaces"
)

// NonceSize is the length of an authentication challenge.
const NonceSize = 32

// Nonce is a single-use authentication challenge.
type Nonce [NonceSize]byte

// String returns the hex encoding of the nonce.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// ParseNonce decodes a hex encoded nonce, with or without 0x prefix.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return n, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(raw) != NonceSize {
		return n, fmt.Errorf("invalid nonce length %d", len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

var (
	ErrUnknownNonce     = errors.New("nonce unknown, expired or already used")
	ErrInvalidSignature = errors.New("signature does not recover a public key")
)

// NonceStore issues single-use nonces that expire after a TTL.
type NonceStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	nonces map[Nonce]time.Time
	now    func() time.Time
}

// NewNonceStore creates a nonce store.
func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		ttl:    ttl,
		nonces: make(map[Nonce]time.Time),
		now:    time.Now,
	}
}

// Issue creates a fresh nonce and returns it with its expiry.
func (s *NonceStore) Issue() (Nonce, time.Time, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeLocked(now)
	expires := now.Add(s.ttl)
	s.nonces[n] = expires
	return n, expires, nil
}

// Consume removes the nonce and reports whether it was valid.
func (s *NonceStore) Consume(n Nonce) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.nonces[n]
	if !ok {
		return false
	}
	delete(s.nonces, n)
	return s.now().Before(expires)
}

// Len returns the number of outstanding nonces.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

func (s *NonceStore) purgeLocked(now time.Time) {
	for n, expires := range s.nonces {
		if !now.Before(expires) {
			delete(s.nonces, n)
		}
	}
}

// SignNonce signs a nonce with a party key. The nonce is signed as-is, it is
// already a uniformly random 32 byte digest.
func SignNonce(n Nonce, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(n[:], key)
}

// RecoverParty recovers the signer identity of a signed nonce.
func RecoverParty(n Nonce, sig []byte) (interfaces.PartyID, error) {
	pubkey, err := crypto.SigToPub(n[:], sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return PartyFromAddress(crypto.PubkeyToAddress(*pubkey)), nil
}

// PartyFromAddress returns the canonical identity of an address.
func PartyFromAddress(addr common.Address) interfaces.PartyID {
	return interfaces.PartyID(addr.Hex())
}

// PartyFromKey returns the identity a key authenticates as.
func PartyFromKey(key *ecdsa.PrivateKey) interfaces.PartyID {
	return PartyFromAddress(crypto.PubkeyToAddress(key.PublicKey))
}

// CanonicalParty normalizes a client supplied identity to its checksummed
// form so that lower-case and checksummed addresses compare equal.
func CanonicalParty(id interfaces.PartyID) (interfaces.PartyID, error) {
	if !common.IsHexAddress(string(id)) {
		return "", fmt.Errorf("identity %q is not a hex address", id)
	}
	return PartyFromAddress(common.HexToAddress(string(id))), nil
}
