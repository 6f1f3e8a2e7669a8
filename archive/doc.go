// Package archive keeps an audit trail of ended sessions.
//
// The relay installs Archiver.SessionEnded as its session ended hook. Final
// snapshots are queued and written in the background as JSON records named
// by their SHA-256 content ID, replicated to every configured backend:
//
//   - file:///var/lib/mpc-relay/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=http://minio:9000
//   - ipfs://127.0.0.1:5001/mpc-relay?timeout=30s
//   - vault://vault.example.com:8200/secret/mpc-relay?cert=client.pem&key=client-key.pem
//
// Writes are retried with exponential backoff. Archiving never blocks
// routing: when the queue is full the record is dropped and counted.
package archive
