/*
Package httpserver exposes the relay over HTTP and WebSocket.

The package includes three listeners:

 1. Party API - nonce issuance, the WebSocket transport and public session lookups
 2. Admin API - session inspection and administrative abort, on its own address
 3. Metrics - Prometheus collectors from the metrics package

# Party API

  - GET /api/auth/nonce returns a single-use challenge
  - GET /ws upgrades to a WebSocket after authenticating the signed challenge
  - GET /api/sessions/{session_id} returns a session snapshot
  - GET /livez, /readyz, /drain, /undrain for load balancers

A party signs the raw 32 nonce bytes with its secp256k1 key and presents the
nonce and signature in the X-Relay-Nonce and X-Relay-Signature headers, or
the nonce and signature query parameters. The recovered address is the
party's identity. Authentication failures are answered with 401 before the
upgrade.

After the upgrade every frame is a JSON-RPC 2.0 message. The first frame a
connection receives is the welcome notification, carrying the identity, the
connection id and a resumption token. Presenting that token with the next
upgrade (X-Relay-Resume) reattaches the party to the sessions it was
disconnected from.

# Connection lifecycle

Each connection runs a read pump and a write pump under an errgroup. The
read pump enforces the frame size limit, the pong deadline and the
per-connection request rate; the write pump is the only writer to the
socket, sends pings and drains the connection's outbound queue. When the
relay closes a connection, queued frames are written before the close frame.
A connection replaced by a newer one of the same party is closed with code
4000.

# Admin API

  - GET /sessions lists all sessions, including retained terminal ones
  - GET /sessions/{session_id} returns one snapshot
  - POST /sessions/{session_id}/abort aborts a session

If operator identities are configured, abort requests must carry an
X-Admin-Signature header: a secp256k1 signature over
keccak256(path || body) by one of the operators.

# Shutdown

Server.Shutdown marks the server not ready, stops accepting HTTP requests,
gives WebSocket connections the relay's shutdown grace to flush their queues
and then closes them with code 1001.
*/
package httpserver
