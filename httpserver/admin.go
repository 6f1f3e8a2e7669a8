package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/mpc-relay/archive"
	"github.com/ruteri/mpc-relay/auth"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/ruteri/mpc-relay/relay"
)

// AdminSignatureHeader carries the operator's signature over the request
// path and body.
const AdminSignatureHeader = "X-Admin-Signature"

// AbortRequest is the optional body of POST /sessions/{session_id}/abort.
type AbortRequest struct {
	Reason string `json:"reason"`
}

// AdminHandler serves the operator API on the admin listener.
//
// When operator identities are configured, mutating requests must carry a
// signature by one of them over keccak256(path || body). Without operators
// the admin listener is trusted as a whole.
type AdminHandler struct {
	router    *relay.Router
	operators map[interfaces.PartyID]struct{}
	archive   sessionArchive
	log       *slog.Logger
}

type sessionArchive interface {
	Lookup(sid interfaces.SessionID) (interfaces.ContentID, bool)
	Fetch(ctx context.Context, id interfaces.ContentID) (archive.Record, error)
}

// AdminOption customizes an AdminHandler.
type AdminOption func(*AdminHandler)

// WithArchive enables the archive endpoints.
func WithArchive(a *archive.Archiver) AdminOption {
	return func(h *AdminHandler) {
		if a != nil {
			h.archive = a
		}
	}
}

// NewAdminHandler creates the admin handler. operators are canonical party
// identities allowed to abort sessions.
func NewAdminHandler(router *relay.Router, operators []interfaces.PartyID, log *slog.Logger, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{
		router:    router,
		operators: make(map[interfaces.PartyID]struct{}, len(operators)),
		log:       log,
	}
	for _, op := range operators {
		h.operators[op] = struct{}{}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AdminRouter returns a router with all admin endpoints:
//   - GET /sessions
//   - GET /sessions/{session_id}
//   - POST /sessions/{session_id}/abort
//
// and, with an archive configured:
//   - GET /sessions/{session_id}/archive
//   - GET /archive/{content_id}
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{session_id}", h.handleGetSession)
	r.Post("/sessions/{session_id}/abort", h.handleAbort)

	if h.archive != nil {
		r.Get("/sessions/{session_id}/archive", h.handleSessionArchive)
		r.Get("/archive/{content_id}", h.handleArchiveRecord)
	}

	return r
}

// ArchiveResponse pairs an archived record with its content ID.
type ArchiveResponse struct {
	ContentID interfaces.ContentID `json:"content_id"`
	Record    archive.Record       `json:"record"`
}

func (h *AdminHandler) handleSessionArchive(w http.ResponseWriter, r *http.Request) {
	sid := interfaces.SessionID(chi.URLParam(r, "session_id"))
	id, ok := h.archive.Lookup(sid)
	if !ok {
		http.Error(w, "session not archived", http.StatusNotFound)
		return
	}
	h.writeRecord(w, r, id)
}

func (h *AdminHandler) handleArchiveRecord(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "content_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeRecord(w, r, id)
}

func (h *AdminHandler) writeRecord(w http.ResponseWriter, r *http.Request, id interfaces.ContentID) {
	rec, err := h.archive.Fetch(r.Context(), id)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, interfaces.ErrBackendUnavailable) {
		writeRequestError(w, h.log, &RequestError{StatusCode: http.StatusServiceUnavailable, Err: err})
		return
	}
	if err != nil {
		writeRequestError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, ArchiveResponse{ContentID: id, Record: rec})
}

func (h *AdminHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, http.StatusOK, h.router.SessionSnapshots())
}

func (h *AdminHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sid := interfaces.SessionID(chi.URLParam(r, "session_id"))
	snap, err := h.router.Session(sid)
	if err != nil {
		writeRequestError(w, h.log, adminError(err))
		return
	}
	writeJSON(w, h.log, http.StatusOK, snap)
}

// handleAbort aborts a session and notifies its members.
//
// Endpoint: POST /sessions/{session_id}/abort
// Body: {"reason": "<text>"} (optional)
func (h *AdminHandler) handleAbort(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.verifyOperator(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req AbortRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "aborted by operator"
	}

	sid := interfaces.SessionID(chi.URLParam(r, "session_id"))
	if err := h.router.Abort(sid, req.Reason); err != nil {
		writeRequestError(w, h.log, adminError(err))
		return
	}
	h.log.Info("Session aborted by operator", "session", sid, "operator", operator, "reason", req.Reason)

	snap, err := h.router.Session(sid)
	if err != nil {
		writeRequestError(w, h.log, adminError(err))
		return
	}
	writeJSON(w, h.log, http.StatusOK, snap)
}

func adminError(err error) error {
	switch {
	case errors.Is(err, protocol.ErrNoSuchSession):
		return &RequestError{StatusCode: http.StatusNotFound, Err: err}
	case errors.Is(err, protocol.ErrSessionNotActive):
		return &RequestError{StatusCode: http.StatusConflict, Err: err}
	}
	return err
}

// verifyOperator checks the request signature when operators are
// configured. The body is restored for later reads.
func (h *AdminHandler) verifyOperator(r *http.Request) (interfaces.PartyID, bool) {
	if len(h.operators) == 0 {
		return "", true
	}

	sigHex := r.Header.Get(AdminSignatureHeader)
	if sigHex == "" {
		h.log.Warn("Authentication failed: missing signature")
		return "", false
	}
	sig, err := auth.ParseSignature(sigHex)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "err", err)
		return "", false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return "", false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	pub, err := crypto.SigToPub(adminDigest(r.URL.Path, body), sig)
	if err != nil {
		h.log.Warn("Authentication failed: unrecoverable signature", "err", err)
		return "", false
	}
	operator := auth.PartyFromAddress(crypto.PubkeyToAddress(*pub))
	if _, ok := h.operators[operator]; !ok {
		h.log.Warn("Authentication failed: unknown operator", "operator", operator)
		return operator, false
	}
	return operator, true
}

func adminDigest(path string, body []byte) []byte {
	return crypto.Keccak256([]byte(path), body)
}

// SignAdminRequest returns the X-Admin-Signature value for a request.
func SignAdminRequest(key *ecdsa.PrivateKey, path string, body []byte) (string, error) {
	sig, err := crypto.Sign(adminDigest(path, body), key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}
