// Package main (cmd/relay-client) is a command line party for the MPC relay.
//
// It connects with a signing key, joins (or creates) a session and then
// sends every stdin line as an envelope, broadcast by default or to a single
// member with --to. Notifications received from the relay are printed to
// stdout as JSON lines. When stdin is exhausted the client leaves the
// session.
//
// Example usage:
//
//	relay-client --relay-url=http://localhost:8080 --session=keygen-1 \
//	    --member=0xAlice... --member=0xBob... --value='{"threshold":1}'
package main
