// Package interfaces defines identifiers and contracts shared across the relay.
//
// The relay core (package relay) works with opaque PartyID and SessionID
// values and never looks inside payloads. Authentication is abstracted behind
// Authenticator so the transport layer can verify credentials before a
// connection is admitted, and the core can be exercised in tests without
// signatures.
//
// # Session states
//
//   - forming: accepting joins until quorum is reached
//   - active: quorum reached, envelopes are routed
//   - draining: a member disconnected and may resume before a deadline
//   - closed: every joined member completed (terminal)
//   - aborted: quorum lost, timeout or administrative abort (terminal)
package interfaces
