package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/stretchr/testify/require"
)

// harness drives a Router synchronously with a manual clock.
type harness struct {
	t      *testing.T
	r      *Router
	clock  time.Time
	nextID int
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	h := &harness{t: t, clock: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.r = NewRouter(cfg, logger, WithClock(func() time.Time { return h.clock }))
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) sweep() {
	h.r.Sweep(h.clock)
}

// connect admits a connection for id and consumes its welcome.
func (h *harness) connect(id interfaces.PartyID, resumed bool) (*Conn, protocol.WelcomeParams) {
	h.t.Helper()
	c := NewConn(interfaces.Credentials{Party: id, Resumed: resumed}, h.r.Config())
	h.r.Connect(c, "token-"+string(id))

	var welcome protocol.WelcomeParams
	expectNotification(h.t, c, protocol.NotifyWelcome, &welcome)
	require.Equal(h.t, id, welcome.Identity)
	require.Equal(h.t, c.ID(), welcome.ConnectionID)
	return c, welcome
}

func (h *harness) call(c *Conn, method string, params any) *protocol.Response {
	h.t.Helper()
	h.nextID++
	id := json.RawMessage(strconv.Itoa(h.nextID))

	frame, err := protocol.EncodeRequest(id, method, params)
	require.NoError(h.t, err)
	f, err := protocol.DecodeServerFrame(h.r.Handle(c, frame))
	require.NoError(h.t, err)
	resp, ok := f.(*protocol.Response)
	require.True(h.t, ok, "expected a response, got %T", f)
	require.Equal(h.t, id, resp.ID)
	return resp
}

func (h *harness) join(c *Conn, p protocol.JoinParams) protocol.SessionSnapshot {
	h.t.Helper()
	snap, perr := h.tryJoin(c, p)
	require.Nil(h.t, perr, "join failed: %v", perr)
	return snap
}

func (h *harness) tryJoin(c *Conn, p protocol.JoinParams) (protocol.SessionSnapshot, *protocol.Error) {
	h.t.Helper()
	resp := h.call(c, protocol.MethodJoin, p)
	if resp.Error != nil {
		return protocol.SessionSnapshot{}, resp.Error
	}
	var snap protocol.SessionSnapshot
	require.NoError(h.t, json.Unmarshal(resp.Result, &snap))
	return snap, nil
}

func (h *harness) send(c *Conn, p protocol.SendParams) (protocol.SendResult, *protocol.Error) {
	h.t.Helper()
	resp := h.call(c, protocol.MethodSend, p)
	if resp.Error != nil {
		return protocol.SendResult{}, resp.Error
	}
	var res protocol.SendResult
	require.NoError(h.t, json.Unmarshal(resp.Result, &res))
	return res, nil
}

func (h *harness) leave(c *Conn, sid interfaces.SessionID) *protocol.Error {
	h.t.Helper()
	return h.call(c, protocol.MethodLeave, protocol.LeaveParams{SessionID: sid}).Error
}

func (h *harness) status(c *Conn, sid interfaces.SessionID) (protocol.SessionSnapshot, *protocol.Error) {
	h.t.Helper()
	resp := h.call(c, protocol.MethodStatus, protocol.StatusParams{SessionID: sid})
	if resp.Error != nil {
		return protocol.SessionSnapshot{}, resp.Error
	}
	var snap protocol.SessionSnapshot
	require.NoError(h.t, json.Unmarshal(resp.Result, &snap))
	return snap, nil
}

func broadcast(sid interfaces.SessionID, payload string) protocol.SendParams {
	return protocol.SendParams{SessionID: sid, Target: protocol.Broadcast, Payload: json.RawMessage(strconv.Quote(payload))}
}

func direct(sid interfaces.SessionID, to interfaces.PartyID, payload string) protocol.SendParams {
	return protocol.SendParams{SessionID: sid, Target: protocol.DirectTo(to), Payload: json.RawMessage(strconv.Quote(payload))}
}

func withSeq(p protocol.SendParams, seq uint64) protocol.SendParams {
	p.Seq = &seq
	return p
}

func nextNotification(t *testing.T, c *Conn) *protocol.Notification {
	t.Helper()
	select {
	case frame := <-c.Outbox():
		f, err := protocol.DecodeServerFrame(frame)
		require.NoError(t, err)
		n, ok := f.(*protocol.Notification)
		require.True(t, ok, "expected a notification, got %s", frame)
		return n
	case <-time.After(time.Second):
		t.Fatalf("no frame queued for %s", c.Party())
		return nil
	}
}

func expectNotification(t *testing.T, c *Conn, method string, params any) {
	t.Helper()
	n := nextNotification(t, c)
	require.Equal(t, method, n.Method, "params: %s", n.Params)
	if params != nil {
		require.NoError(t, json.Unmarshal(n.Params, params))
	}
}

func expectMessage(t *testing.T, c *Conn) protocol.MessageParams {
	t.Helper()
	var msg protocol.MessageParams
	expectNotification(t, c, protocol.NotifyMessage, &msg)
	return msg
}

func expectQuiet(t *testing.T, conns ...*Conn) {
	t.Helper()
	for _, c := range conns {
		select {
		case frame := <-c.Outbox():
			t.Fatalf("unexpected frame for %s: %s", c.Party(), frame)
		default:
		}
	}
}

func payloadString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}
