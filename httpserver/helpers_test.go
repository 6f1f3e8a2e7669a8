package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/ruteri/mpc-relay/auth"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/ruteri/mpc-relay/relay"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t       *testing.T
	router  *relay.Router
	handler *Handler
	server  *Server
	ts      *httptest.Server
}

func newTestEnv(t *testing.T, operators []interfaces.PartyID, mutate ...func(*relay.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := relay.DefaultConfig()
	cfg.ShutdownGrace = time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	authn, err := auth.NewAuthenticator(bytes.Repeat([]byte{7}, 32), cfg.NonceTTL, cfg.IdleTimeout)
	require.NoError(t, err)
	router := relay.NewRouter(cfg, logger, relay.WithPartyNormalizer(auth.CanonicalParty))
	handler := NewHandler(authn, router, logger)

	srv, err := New(&HTTPServerConfig{
		Log:                      logger,
		AdminAddr:                "127.0.0.1:0",
		GracefulShutdownDuration: time.Second,
	}, handler, NewAdminHandler(router, operators, logger))
	require.NoError(t, err)

	env := &testEnv{t: t, router: router, handler: handler, server: srv, ts: httptest.NewServer(srv.Handler())}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		handler.Shutdown(ctx)
		env.ts.Close()
	})
	return env
}

func (e *testEnv) get(path string) *http.Response {
	e.t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) fetchNonce() auth.Nonce {
	e.t.Helper()
	resp := e.get("/api/auth/nonce")
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	var body protocol.NonceResponse
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&body))
	n, err := auth.ParseNonce(body.Nonce)
	require.NoError(e.t, err)
	return n
}

// dial performs the challenge and upgrade with arbitrary credentials.
func (e *testEnv) dial(header http.Header) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func (e *testEnv) signedHeader(key *ecdsa.PrivateKey, resumeToken string) http.Header {
	e.t.Helper()
	n := e.fetchNonce()
	sig, err := auth.SignNonce(n, key)
	require.NoError(e.t, err)

	h := http.Header{}
	h.Set(protocol.NonceHeader, n.String())
	h.Set(protocol.SignatureHeader, hex.EncodeToString(sig))
	if resumeToken != "" {
		h.Set(protocol.ResumeHeader, resumeToken)
	}
	return h
}

// testParty is a party driving a real WebSocket connection.
type testParty struct {
	t       *testing.T
	key     *ecdsa.PrivateKey
	id      interfaces.PartyID
	ws      *websocket.Conn
	welcome protocol.WelcomeParams
	inbox   []*protocol.Notification
	nextID  int
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func (e *testEnv) connect(key *ecdsa.PrivateKey, resumeToken string) *testParty {
	e.t.Helper()
	ws, resp, err := e.dial(e.signedHeader(key, resumeToken))
	require.NoError(e.t, err)
	resp.Body.Close()

	p := &testParty{t: e.t, key: key, id: auth.PartyFromKey(key), ws: ws}
	e.t.Cleanup(func() { ws.Close() })

	p.expect(protocol.NotifyWelcome, &p.welcome)
	require.Equal(e.t, p.id, p.welcome.Identity)
	return p
}

func (p *testParty) readFrame() (protocol.ServerFrame, error) {
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeServerFrame(data)
}

func (p *testParty) next() *protocol.Notification {
	p.t.Helper()
	if len(p.inbox) > 0 {
		n := p.inbox[0]
		p.inbox = p.inbox[1:]
		return n
	}
	f, err := p.readFrame()
	require.NoError(p.t, err)
	n, ok := f.(*protocol.Notification)
	require.True(p.t, ok, "expected a notification, got %T", f)
	return n
}

func (p *testParty) expect(method string, params any) {
	p.t.Helper()
	n := p.next()
	require.Equal(p.t, method, n.Method, "params: %s", n.Params)
	if params != nil {
		require.NoError(p.t, json.Unmarshal(n.Params, params))
	}
}

func (p *testParty) writeRaw(kind int, data []byte) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(kind, data))
}

// response reads until the response to id arrives, keeping notifications
// that precede it.
func (p *testParty) response(id json.RawMessage) *protocol.Response {
	p.t.Helper()
	for {
		f, err := p.readFrame()
		require.NoError(p.t, err)
		switch f := f.(type) {
		case *protocol.Notification:
			p.inbox = append(p.inbox, f)
		case *protocol.Response:
			require.JSONEq(p.t, string(id), string(f.ID))
			return f
		}
	}
}

func (p *testParty) call(method string, params any, result any) *protocol.Error {
	p.t.Helper()
	p.nextID++
	id := json.RawMessage(strconv.Itoa(p.nextID))
	frame, err := protocol.EncodeRequest(id, method, params)
	require.NoError(p.t, err)
	p.writeRaw(websocket.TextMessage, frame)

	resp := p.response(id)
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil {
		require.NoError(p.t, json.Unmarshal(resp.Result, result))
	}
	return nil
}

func (p *testParty) join(params protocol.JoinParams) protocol.SessionSnapshot {
	p.t.Helper()
	var snap protocol.SessionSnapshot
	perr := p.call(protocol.MethodJoin, params, &snap)
	require.Nil(p.t, perr, "join: %v", perr)
	return snap
}

func (p *testParty) broadcast(sid interfaces.SessionID, payload string) protocol.SendResult {
	p.t.Helper()
	var res protocol.SendResult
	perr := p.call(protocol.MethodSend, protocol.SendParams{
		SessionID: sid,
		Target:    protocol.Broadcast,
		Payload:   json.RawMessage(strconv.Quote(payload)),
	}, &res)
	require.Nil(p.t, perr, "send: %v", perr)
	return res
}

// activePair connects two parties and forms an active session between them.
func (e *testEnv) activePair(sid interfaces.SessionID) (*testParty, *testParty) {
	e.t.Helper()
	a := e.connect(newKey(e.t), "")
	b := e.connect(newKey(e.t), "")
	required := []interfaces.PartyID{a.id, b.id}
	a.join(protocol.JoinParams{SessionID: sid, RequiredMembers: required})
	b.join(protocol.JoinParams{SessionID: sid})
	a.expect(protocol.NotifySessionReady, nil)
	b.expect(protocol.NotifySessionReady, nil)
	return a, b
}
