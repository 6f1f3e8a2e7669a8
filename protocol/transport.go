package protocol

import "time"

// HTTP surface shared by the relay server and its clients.
const (
	NoncePath = "/api/auth/nonce"
	WSPath    = "/ws"

	// Credential headers presented with the WebSocket upgrade. Each has a
	// query parameter equivalent for clients that cannot set headers.
	NonceHeader     = "X-Relay-Nonce"
	SignatureHeader = "X-Relay-Signature"
	ResumeHeader    = "X-Relay-Resume"

	NonceParam     = "nonce"
	SignatureParam = "signature"
	ResumeParam    = "resume"

	// CloseSuperseded is the WebSocket close code sent to a connection
	// replaced by a newer connection of the same party.
	CloseSuperseded = 4000
)

// NonceResponse is the body of the nonce endpoint.
type NonceResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}
