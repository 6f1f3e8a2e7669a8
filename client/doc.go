// Package client is a Go client for parties of the MPC relay.
//
// A Client authenticates with a secp256k1 key, keeps one WebSocket
// connection and matches responses to concurrent requests. When the
// connection drops it reconnects with the resumption token from the last
// welcome, so session memberships survive short outages.
package client
