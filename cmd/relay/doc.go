// Package main (cmd/relay) runs the MPC relay server.
//
// The server authenticates parties by a signed nonce, accepts their WebSocket
// connections and coordinates sessions: it tracks membership, announces when
// a session forms and routes broadcast and direct envelopes between members
// in per-sender order. Parties that lose their connection may resume their
// memberships within the idle timeout by presenting the resumption token from
// their last welcome.
//
// Relay settings come from defaults, an optional YAML file (--config) and
// explicit flags, in increasing order of precedence. Resumption tokens are
// signed with --resume-secret; without it tokens are only valid until the
// process restarts. Replicas can instead reconstruct a shared secret from
// operator shares (--resume-secret-share) printed by the split-secret
// subcommand.
//
// With one or more --archive locations (file, s3, ipfs or vault URIs) a
// record of every ended session is written in the background and can be
// read back through the admin API.
//
// Three listeners are started: the party API (--listen-addr), Prometheus
// metrics (--metrics-addr) and, if --admin-addr is set, the admin API used
// to inspect and abort sessions. Admin requests must be signed by one of the
// --operator addresses when any are configured.
//
// On SIGINT or SIGTERM the server stops accepting connections, lets queued
// frames flush for the configured shutdown grace and closes every connection.
// Records still queued for the archive are then written with a single attempt.
//
// Example usage:
//
//	mpc-relay --listen-addr=0.0.0.0:8080 \
//	    --admin-addr=127.0.0.1:8081 \
//	    --operator=0x71C7656EC7ab88b098defB751B7401B5f6d8976F \
//	    --resume-secret=$(openssl rand -hex 32) \
//	    --archive=file:///var/lib/mpc-relay/archive \
//	    --config=relay.yaml
//
//	mpc-relay split-secret --shares=5 --threshold=3
package main
