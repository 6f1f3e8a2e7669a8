package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
)

// SignatureSize is the length of a recoverable secp256k1 signature.
const SignatureSize = 65

var ErrMissingCredentials = errors.New("nonce and signature are required")

// Authenticator verifies nonce signatures and resumption tokens.
type Authenticator struct {
	nonces *NonceStore
	resume *ResumeIssuer
}

var _ interfaces.Authenticator = (*Authenticator)(nil)

// NewAuthenticator creates an authenticator. Nonces live for nonceTTL and
// resumption tokens for resumeTTL; secret keys the token MAC.
func NewAuthenticator(secret []byte, nonceTTL, resumeTTL time.Duration) (*Authenticator, error) {
	resume, err := NewResumeIssuer(secret, resumeTTL)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		nonces: NewNonceStore(nonceTTL),
		resume: resume,
	}, nil
}

// IssueNonce returns a fresh challenge for a connecting party.
func (a *Authenticator) IssueNonce() (Nonce, time.Time, error) {
	return a.nonces.Issue()
}

// Authenticate consumes the nonce, recovers the signer and checks the
// optional resumption token. An expired token is not an error: the party
// connects as a new logical party and forfeits its old memberships. A token
// issued to another identity, or a malformed one, is rejected.
func (a *Authenticator) Authenticate(nonceHex, signatureHex, resumeToken string) (interfaces.Credentials, error) {
	if nonceHex == "" || signatureHex == "" {
		return interfaces.Credentials{}, ErrMissingCredentials
	}
	nonce, err := ParseNonce(nonceHex)
	if err != nil {
		return interfaces.Credentials{}, err
	}
	sig, err := ParseSignature(signatureHex)
	if err != nil {
		return interfaces.Credentials{}, err
	}
	if !a.nonces.Consume(nonce) {
		return interfaces.Credentials{}, ErrUnknownNonce
	}

	party, err := RecoverParty(nonce, sig)
	if err != nil {
		return interfaces.Credentials{}, err
	}

	creds := interfaces.Credentials{Party: party}
	if resumeToken == "" {
		return creds, nil
	}
	switch err := a.resume.Verify(party, resumeToken); {
	case err == nil:
		creds.Resumed = true
	case errors.Is(err, ErrTokenExpired):
	default:
		return interfaces.Credentials{}, err
	}
	return creds, nil
}

// IssueResumeToken returns a resumption token for party.
func (a *Authenticator) IssueResumeToken(party interfaces.PartyID) (string, error) {
	return a.resume.Issue(party)
}

// ParseSignature decodes a hex signature. Recovery ids of 27 and 28 are
// accepted and normalized to 0 and 1.
func ParseSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}
