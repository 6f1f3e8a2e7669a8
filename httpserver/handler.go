package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/mpc-relay/auth"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/ruteri/mpc-relay/relay"
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Handler serves the party facing endpoints: nonce issuance, the WebSocket
// transport and public session lookups.
type Handler struct {
	auth   interfaces.Authenticator
	nonces nonceIssuer
	router *relay.Router
	cfg    relay.Config
	log    *slog.Logger

	upgrader websocket.Upgrader

	// ctx is cancelled to force-close every connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

type nonceIssuer interface {
	IssueNonce() (auth.Nonce, time.Time, error)
}

// NewHandler creates a handler that authenticates parties with authn and
// hands their connections to router.
func NewHandler(authn *auth.Authenticator, router *relay.Router, log *slog.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		auth:   authn,
		nonces: authn,
		router: router,
		cfg:    router.Config(),
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Parties authenticate by signature, not by browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// HandleNonce issues a single-use authentication challenge.
//
// URL format: GET /api/auth/nonce
func (h *Handler) HandleNonce(w http.ResponseWriter, r *http.Request) {
	nonce, expiresAt, err := h.nonces.IssueNonce()
	if err != nil {
		h.log.Error("Failed to issue nonce", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, http.StatusOK, protocol.NonceResponse{Nonce: nonce.String(), ExpiresAt: expiresAt})
}

// HandleSession returns the public snapshot of a session.
//
// URL format: GET /api/sessions/{session_id}
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.lookupSession(r.PathValue("session_id"))
	if err != nil {
		writeRequestError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, snap)
}

func (h *Handler) lookupSession(id string) (protocol.SessionSnapshot, error) {
	sid := interfaces.SessionID(id)
	if err := interfaces.ValidateSessionID(sid); err != nil {
		return protocol.SessionSnapshot{}, &RequestError{StatusCode: http.StatusBadRequest, Err: err}
	}
	snap, err := h.router.Session(sid)
	if errors.Is(err, protocol.ErrNoSuchSession) {
		return protocol.SessionSnapshot{}, &RequestError{StatusCode: http.StatusNotFound, Err: err}
	}
	return snap, err
}

// HandleWebSocket authenticates the upgrade request and serves the
// connection until either side closes it.
//
// URL format: GET /ws
// Required headers (or query parameters nonce, signature):
//   - X-Relay-Nonce: nonce from /api/auth/nonce, hex
//   - X-Relay-Signature: 65-byte secp256k1 signature over the nonce, hex
//
// Optional:
//   - X-Relay-Resume: resumption token from a previous welcome
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	nonce, signature, resume := credentials(r)
	creds, err := h.auth.Authenticate(nonce, signature, resume)
	if err != nil {
		h.log.Warn("Authentication failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := h.auth.IssueResumeToken(creds.Party)
	if err != nil {
		h.log.Error("Failed to issue resumption token", "party", creds.Party, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	h.conns.Add(1)
	h.mu.Unlock()
	defer h.conns.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Debug("WebSocket upgrade failed", "party", creds.Party, "err", err)
		return
	}

	conn := relay.NewConn(creds, h.cfg)
	h.serve(ws, conn, token)
}

// Shutdown stops accepting connections, lets queued frames flush until ctx
// is done and then closes every connection.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.router.FlushAll(ctx)

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.log.Warn("Connections still open after shutdown grace, forcing close")
		h.cancel()
		<-done
	}
	h.cancel()
}

func credentials(r *http.Request) (nonce, signature, resume string) {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(param)
	}
	return pick(protocol.NonceHeader, protocol.NonceParam),
		pick(protocol.SignatureHeader, protocol.SignatureParam),
		pick(protocol.ResumeHeader, protocol.ResumeParam)
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

func writeRequestError(w http.ResponseWriter, log *slog.Logger, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		http.Error(w, reqErr.Error(), reqErr.StatusCode)
		return
	}
	log.Error("Request failed", "err", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
