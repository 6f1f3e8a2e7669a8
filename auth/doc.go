// Package auth authenticates relay parties.
//
// A party fetches a single-use nonce, signs the raw 32 bytes with its
// secp256k1 key and presents nonce and signature when opening its WebSocket.
// The recovered Ethereum address, in checksummed form, is the party's
// identity for the lifetime of the connection.
//
// On every connection the relay hands out a resumption token bound to the
// identity. Presenting it on the next connection, together with a fresh
// signature, reattaches the party to the sessions it was a member of.
package auth
