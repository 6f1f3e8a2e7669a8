package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// PartyID is the authenticated identity of one MPC participant.
// The relay never derives meaning from its content beyond equality.
type PartyID string

// String returns the identity as a string.
func (id PartyID) String() string {
	return string(id)
}

// SessionID names one computation round. It is supplied by the first
// joiner or generated by the session registry.
type SessionID string

// String returns the session id as a string.
func (id SessionID) String() string {
	return string(id)
}

// maxSessionIDLength bounds client supplied session identifiers.
const maxSessionIDLength = 128

// ValidateSessionID checks a client supplied session identifier.
func ValidateSessionID(id SessionID) error {
	if id == "" {
		return errors.New("session id is empty")
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session id exceeds %d characters", maxSessionIDLength)
	}
	if strings.ContainsAny(string(id), " \t\r\n/") {
		return errors.New("session id contains whitespace or slashes")
	}
	return nil
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// StateForming accepts joins until quorum is reached.
	StateForming SessionState = "forming"

	// StateActive has reached quorum; messages flow.
	StateActive SessionState = "active"

	// StateDraining has lost at least one member to a disconnect and waits
	// for it to resume. Messages still flow between remaining members.
	StateDraining SessionState = "draining"

	// StateClosed is terminal: every joined member signalled completion.
	StateClosed SessionState = "closed"

	// StateAborted is terminal: quorum lost, timeout or administrative abort.
	StateAborted SessionState = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// Routable reports whether envelopes may be routed in this state.
func (s SessionState) Routable() bool {
	return s == StateActive || s == StateDraining
}
