package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrMalformedToken = errors.New("malformed resumption token")
	ErrTokenMismatch  = errors.New("resumption token was not issued to this identity")
	ErrTokenExpired   = errors.New("resumption token expired")
)

const tokenNonceSize = 16

// ResumeIssuer issues and verifies stateless resumption tokens of the form
// <issued-unix>.<nonce-hex>.<mac-hex>. The MAC binds the token to one
// identity; a token is only useful together with a fresh signature from
// that identity.
type ResumeIssuer struct {
	key [32]byte
	ttl time.Duration
	now func() time.Time
}

// NewResumeIssuer derives the MAC key from a master secret. The secret must
// be at least 32 bytes.
func NewResumeIssuer(secret []byte, ttl time.Duration) (*ResumeIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("resumption secret must be at least 32 bytes")
	}
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, err
	}
	h.Write([]byte("mpc-relay/resume-token"))

	r := &ResumeIssuer{ttl: ttl, now: time.Now}
	copy(r.key[:], h.Sum(nil))
	return r, nil
}

// RandomSecret returns a fresh 32 byte secret. Tokens issued with it do not
// survive a restart, which matches the relay keeping no state across
// restarts.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	return secret, err
}

// Issue returns a token for party.
func (r *ResumeIssuer) Issue(party interfaces.PartyID) (string, error) {
	nonce := make([]byte, tokenNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	issued := r.now().Unix()
	mac, err := r.mac(party, issued, nonce)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%s.%s", issued, hex.EncodeToString(nonce), hex.EncodeToString(mac)), nil
}

// Verify checks that token was issued to party and is still fresh.
func (r *ResumeIssuer) Verify(party interfaces.PartyID, token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrMalformedToken
	}
	issued, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrMalformedToken
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != tokenNonceSize {
		return ErrMalformedToken
	}
	got, err := hex.DecodeString(parts[2])
	if err != nil {
		return ErrMalformedToken
	}

	want, err := r.mac(party, issued, nonce)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrTokenMismatch
	}
	if r.now().Sub(time.Unix(issued, 0)) > r.ttl {
		return ErrTokenExpired
	}
	return nil
}

func (r *ResumeIssuer) mac(party interfaces.PartyID, issued int64, nonce []byte) ([]byte, error) {
	h, err := blake2b.New256(r.key[:])
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issued))
	h.Write(ts[:])
	h.Write(nonce)
	h.Write([]byte(party))
	return h.Sum(nil), nil
}
