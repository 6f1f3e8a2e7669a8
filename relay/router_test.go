package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice interfaces.PartyID = "alice"
	bob   interfaces.PartyID = "bob"
	carol interfaces.PartyID = "carol"
	dave  interfaces.PartyID = "dave"
)

// activeSession connects the parties and joins them to a closed session,
// draining the session-ready notifications.
func (h *harness) activeSession(sid interfaces.SessionID, parties ...interfaces.PartyID) map[interfaces.PartyID]*Conn {
	h.t.Helper()
	conns := make(map[interfaces.PartyID]*Conn, len(parties))
	for _, p := range parties {
		conns[p], _ = h.connect(p, false)
	}
	for _, p := range parties {
		h.join(conns[p], protocol.JoinParams{SessionID: sid, RequiredMembers: parties})
	}
	for _, p := range parties {
		expectNotification(h.t, conns[p], protocol.NotifySessionReady, nil)
	}
	return conns
}

func TestJoin_ActivatesExactlyOnLastRequired(t *testing.T) {
	parties := []interfaces.PartyID{alice, bob, carol}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, order := range orders {
		h := newHarness(t)
		conns := make(map[interfaces.PartyID]*Conn)
		for _, p := range parties {
			conns[p], _ = h.connect(p, false)
		}

		var joinOrder []interfaces.PartyID
		for i, idx := range order {
			p := parties[idx]
			joinOrder = append(joinOrder, p)
			snap := h.join(conns[p], protocol.JoinParams{SessionID: "s1", RequiredMembers: parties})
			if i < len(order)-1 {
				require.Equal(t, interfaces.StateForming, snap.State, "order %v after %d joins", order, i+1)
				for _, c := range conns {
					expectQuiet(t, c)
				}
			} else {
				require.Equal(t, interfaces.StateActive, snap.State, "order %v", order)
			}
		}

		var first json.RawMessage
		for _, p := range parties {
			n := nextNotification(t, conns[p])
			require.Equal(t, protocol.NotifySessionReady, n.Method)
			if first == nil {
				first = n.Params
			} else {
				assert.JSONEq(t, string(first), string(n.Params), "snapshots differ between recipients")
			}

			var snap protocol.SessionSnapshot
			require.NoError(t, json.Unmarshal(n.Params, &snap))
			assert.Equal(t, joinOrder, snap.Members)
			assert.Equal(t, interfaces.StateActive, snap.State)
		}
	}
}

func TestJoin_Idempotent(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)

	first := h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: []interfaces.PartyID{alice, bob}})
	again := h.join(a, protocol.JoinParams{SessionID: "s1"})
	assert.Equal(t, first.Members, again.Members)
	assert.Equal(t, interfaces.StateForming, again.State)
	expectQuiet(t, a)
}

func TestJoin_RecordsValueAndPartyNumbers(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	c, _ := h.connect(carol, false)

	required := []interfaces.PartyID{alice, bob, carol}
	value := json.RawMessage(`{"message":"0xdeadbeef"}`)
	h.join(b, protocol.JoinParams{SessionID: "sign-1", RequiredMembers: required, Quorum: 2, Value: value})
	snap := h.join(c, protocol.JoinParams{SessionID: "sign-1"})

	// Threshold quorum: two of three activate the session.
	assert.Equal(t, interfaces.StateActive, snap.State)
	assert.Equal(t, 2, snap.Quorum)
	assert.JSONEq(t, string(value), string(snap.Value))
	assert.Equal(t, 1, snap.PartyNumber(bob))
	assert.Equal(t, 2, snap.PartyNumber(carol))
	assert.Equal(t, 0, snap.PartyNumber(alice))

	// The third required member is too late once the session is active.
	_, perr := h.tryJoin(a, protocol.JoinParams{SessionID: "sign-1"})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeSessionNotActive, perr.Code)
}

func TestJoin_MembershipMismatch(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t)
		a, _ := h.connect(alice, false)
		c, _ := h.connect(carol, false)

		h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: []interfaces.PartyID{alice, bob}})
		_, perr := h.tryJoin(c, protocol.JoinParams{SessionID: "s1"})
		require.NotNil(t, perr)
		assert.Equal(t, protocol.CodeNotAMember, perr.Code)

		snap, perr := h.status(a, "s1")
		require.Nil(t, perr)
		assert.Equal(t, interfaces.StateForming, snap.State)
		assert.Empty(t, h.r.Parties().Memberships(carol))
		expectQuiet(t, a, c)
	})

	t.Run("aborts when configured", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.AbortOnMismatch = true })
		a, _ := h.connect(alice, false)
		c, _ := h.connect(carol, false)

		h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: []interfaces.PartyID{alice, bob}})
		_, perr := h.tryJoin(c, protocol.JoinParams{SessionID: "s1"})
		require.NotNil(t, perr)
		assert.Equal(t, protocol.CodeNotAMember, perr.Code)

		var ended protocol.SessionEndedParams
		expectNotification(t, a, protocol.NotifySessionAborted, &ended)
		assert.Contains(t, ended.Reason, "membership mismatch")
		assert.Empty(t, h.r.Parties().Memberships(alice))
	})

	t.Run("creator outside required list", func(t *testing.T) {
		h := newHarness(t)
		c, _ := h.connect(carol, false)
		_, perr := h.tryJoin(c, protocol.JoinParams{SessionID: "s1", RequiredMembers: []interfaces.PartyID{alice, bob}})
		require.NotNil(t, perr)
		assert.Equal(t, protocol.CodeNotAMember, perr.Code)
		assert.Zero(t, h.r.Sessions().Len())
	})
}

func TestJoin_OpenSession(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxMembers = 3 })
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)

	snap := h.join(a, protocol.JoinParams{})
	require.NotEmpty(t, snap.SessionID, "relay generates the session id")
	assert.Equal(t, interfaces.StateForming, snap.State)
	assert.Equal(t, 2, snap.Quorum)
	assert.Equal(t, 3, snap.MaxMembers)

	snap = h.join(b, protocol.JoinParams{SessionID: snap.SessionID})
	assert.Equal(t, interfaces.StateActive, snap.State)
	assert.Equal(t, []interfaces.PartyID{alice, bob}, snap.Members)

	_, perr := h.tryJoin(a, protocol.JoinParams{SessionID: "big", Quorum: 4})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeProtocolError, perr.Code)
}

func TestJoin_UnregisteredConnection(t *testing.T) {
	h := newHarness(t)
	stray := NewConn(interfaces.Credentials{Party: alice}, h.r.Config())
	_, perr := h.tryJoin(stray, protocol.JoinParams{SessionID: "s1"})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnauthenticated, perr.Code)
}

func TestSend_BroadcastPreservesPerSenderOrder(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob, carol)

	for i := 1; i <= 5; i++ {
		res, perr := h.send(conns[alice], broadcast("s1", "a"))
		require.Nil(t, perr)
		assert.EqualValues(t, i, res.Sequence)
		assert.Equal(t, []interfaces.PartyID{bob, carol}, res.DeliveredTo)
		assert.Empty(t, res.Failed)

		res, perr = h.send(conns[bob], broadcast("s1", "b"))
		require.Nil(t, perr)
		assert.EqualValues(t, i, res.Sequence)
	}

	// carol observes both senders interleaved, each in sequence order.
	last := map[interfaces.PartyID]uint64{}
	for i := 0; i < 10; i++ {
		msg := expectMessage(t, conns[carol])
		assert.Equal(t, last[msg.Sender]+1, msg.Sequence, "sequence regression from %s", msg.Sender)
		last[msg.Sender] = msg.Sequence
		assert.True(t, msg.Target.IsBroadcast())
	}
	assert.EqualValues(t, 5, last[alice])
	assert.EqualValues(t, 5, last[bob])

	// Senders never receive their own broadcasts.
	for i := 0; i < 5; i++ {
		assert.Equal(t, bob, expectMessage(t, conns[alice]).Sender)
		assert.Equal(t, alice, expectMessage(t, conns[bob]).Sender)
	}
	expectQuiet(t, conns[alice], conns[bob], conns[carol])
}

func TestSend_Direct(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob, carol)
	d, _ := h.connect(dave, false)

	res, perr := h.send(conns[alice], direct("s1", carol, "secret share"))
	require.Nil(t, perr)
	assert.Equal(t, []interfaces.PartyID{carol}, res.DeliveredTo)

	msg := expectMessage(t, conns[carol])
	assert.Equal(t, alice, msg.Sender)
	assert.Equal(t, protocol.DirectTo(carol), msg.Target)
	assert.Equal(t, "secret share", payloadString(t, msg.Payload))
	expectQuiet(t, conns[bob])

	// A direct target outside the session is rejected and nobody receives
	// anything, including connected non-members.
	_, perr = h.send(conns[alice], direct("s1", dave, "x"))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeNotAMember, perr.Code)
	expectQuiet(t, conns[alice], conns[bob], conns[carol], d)

	// The rejected envelope did not consume a sequence number.
	res, perr = h.send(conns[alice], broadcast("s1", "next"))
	require.Nil(t, perr)
	assert.EqualValues(t, 2, res.Sequence)
}

func TestSend_Rejections(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	c, _ := h.connect(carol, false)
	h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: []interfaces.PartyID{alice, bob}})

	tests := []struct {
		name string
		conn *Conn
		p    protocol.SendParams
		code protocol.Code
	}{
		{"unknown session", a, broadcast("nope", "x"), protocol.CodeNoSuchSession},
		{"forming session", a, broadcast("s1", "x"), protocol.CodeSessionNotActive},
		{"not a member", c, broadcast("s1", "x"), protocol.CodeNotAMember},
		{"not joined yet", b, broadcast("s1", "x"), protocol.CodeNotAMember},
		{"unregistered connection", NewConn(interfaces.Credentials{Party: alice}, h.r.Config()), broadcast("s1", "x"), protocol.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := h.send(tt.conn, tt.p)
			require.NotNil(t, perr)
			assert.Equal(t, tt.code, perr.Code, perr.Message)
		})
	}
}

func TestSend_ReorderBuffer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReorderWindow = 4 })
	conns := h.activeSession("s1", alice, bob)
	a, b := conns[alice], conns[bob]

	res, perr := h.send(a, withSeq(broadcast("s1", "third"), 3))
	require.Nil(t, perr)
	assert.True(t, res.Queued)
	res, perr = h.send(a, withSeq(broadcast("s1", "second"), 2))
	require.Nil(t, perr)
	assert.True(t, res.Queued)
	expectQuiet(t, b)

	_, perr = h.send(a, withSeq(broadcast("s1", "dup"), 3))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeSequenceGap, perr.Code)

	res, perr = h.send(a, withSeq(broadcast("s1", "first"), 1))
	require.Nil(t, perr)
	assert.False(t, res.Queued)
	assert.EqualValues(t, 1, res.Sequence)
	assert.Equal(t, []interfaces.PartyID{bob}, res.DeliveredTo)

	for i, want := range []string{"first", "second", "third"} {
		msg := expectMessage(t, b)
		assert.EqualValues(t, i+1, msg.Sequence)
		assert.Equal(t, want, payloadString(t, msg.Payload))
	}

	// Omitted sequence numbers continue after the flushed buffer.
	res, perr = h.send(a, broadcast("s1", "fourth"))
	require.Nil(t, perr)
	assert.EqualValues(t, 4, res.Sequence)
	assert.EqualValues(t, 4, expectMessage(t, b).Sequence)

	for _, seq := range []uint64{4, 1, 5 + 4 + 1} {
		_, perr = h.send(a, withSeq(broadcast("s1", "bad"), seq))
		require.NotNil(t, perr, "seq %d", seq)
		assert.Equal(t, protocol.CodeSequenceGap, perr.Code)
	}
	expectQuiet(t, b)
}

func TestSweep_DropsStaleReorderBuffer(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a, b := conns[alice], conns[bob]

	res, perr := h.send(a, withSeq(broadcast("s1", "late"), 3))
	require.Nil(t, perr)
	require.True(t, res.Queued)

	h.advance(h.r.Config().ReorderTimeout - time.Millisecond)
	h.sweep()
	expectQuiet(t, a)

	h.advance(time.Millisecond)
	h.sweep()
	var gap protocol.SequenceGapParams
	expectNotification(t, a, protocol.NotifySequenceGap, &gap)
	assert.EqualValues(t, 1, gap.Expected)
	assert.Equal(t, []uint64{3}, gap.Dropped)

	// Sequence 1 is still expected; the dropped envelope never arrives.
	res, perr = h.send(a, withSeq(broadcast("s1", "one"), 1))
	require.Nil(t, perr)
	assert.EqualValues(t, 1, res.Sequence)
	assert.EqualValues(t, 1, expectMessage(t, b).Sequence)
	expectQuiet(t, b)
}

func TestSend_PartialDeliveryOnBackpressure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.QueueSize = 1 })
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	c, _ := h.connect(carol, false)
	required := []interfaces.PartyID{alice, bob, carol}
	h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: required})
	h.join(b, protocol.JoinParams{SessionID: "s1"})
	h.join(c, protocol.JoinParams{SessionID: "s1"})

	// carol does not drain, so her single slot stays occupied.
	expectNotification(t, a, protocol.NotifySessionReady, nil)
	expectNotification(t, b, protocol.NotifySessionReady, nil)

	res, perr := h.send(a, broadcast("s1", "p"))
	require.Nil(t, perr, "backpressure on one recipient is not an error")
	assert.Equal(t, []interfaces.PartyID{bob}, res.DeliveredTo)
	assert.Equal(t, []interfaces.PartyID{carol}, res.Failed)
	assert.EqualValues(t, 1, expectMessage(t, b).Sequence)

	snap, perr := h.status(a, "s1")
	require.Nil(t, perr)
	assert.Equal(t, interfaces.StateActive, snap.State, "delivery failures are not session-fatal")
}

func TestConnect_EvictionKeepsMemberships(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a1, b := conns[alice], conns[bob]

	a2, welcome := h.connect(alice, false)
	assert.Equal(t, []interfaces.SessionID{"s1"}, welcome.Sessions)

	var sup protocol.SupersededParams
	expectNotification(t, a1, protocol.NotifySuperseded, &sup)
	assert.Equal(t, []interfaces.SessionID{"s1"}, sup.Sessions)
	assert.True(t, a1.Closed())
	assert.Equal(t, "superseded", a1.CloseReason())
	assert.False(t, a2.Closed())

	// The evicted connection's late close does not touch its successor.
	h.r.Disconnect(a1)
	got, ok := h.r.Parties().Lookup(alice)
	require.True(t, ok)
	assert.Same(t, a2, got)
	expectQuiet(t, b)

	// The old handle can no longer act for alice.
	_, perr := h.send(a1, broadcast("s1", "stale"))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnauthenticated, perr.Code)

	res, perr := h.send(a2, broadcast("s1", "fresh"))
	require.Nil(t, perr)
	assert.EqualValues(t, 1, res.Sequence)
	msg := expectMessage(t, b)
	assert.Equal(t, alice, msg.Sender)
	assert.Equal(t, "fresh", payloadString(t, msg.Payload))
}

// The end-to-end scenario: join, route, disconnect, resume, route again.
func TestScenario_DisconnectAndResume(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	required := []interfaces.PartyID{alice, bob}

	snap := h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: required})
	assert.Equal(t, interfaces.StateForming, snap.State)
	snap = h.join(b, protocol.JoinParams{SessionID: "s1", RequiredMembers: required})
	assert.Equal(t, interfaces.StateActive, snap.State)
	expectNotification(t, a, protocol.NotifySessionReady, nil)
	expectNotification(t, b, protocol.NotifySessionReady, nil)

	res, perr := h.send(a, broadcast("s1", "p1"))
	require.Nil(t, perr)
	assert.Equal(t, []interfaces.PartyID{bob}, res.DeliveredTo)
	msg := expectMessage(t, b)
	assert.Equal(t, alice, msg.Sender)
	assert.EqualValues(t, 1, msg.Sequence)
	assert.Equal(t, "p1", payloadString(t, msg.Payload))

	res, perr = h.send(b, broadcast("s1", "b1"))
	require.Nil(t, perr)
	assert.EqualValues(t, 1, res.Sequence)
	expectMessage(t, a)

	h.r.Disconnect(b)
	var left protocol.PartyLeftParams
	expectNotification(t, a, protocol.NotifyPartyLeft, &left)
	assert.Equal(t, bob, left.Party)
	assert.Equal(t, protocol.LeftReasonDisconnected, left.Reason)
	snap, _ = h.status(a, "s1")
	assert.Equal(t, interfaces.StateDraining, snap.State)
	assert.Equal(t, []interfaces.PartyID{bob}, snap.Departed)

	// Messages keep flowing to the remaining members while draining.
	res, perr = h.send(a, direct("s1", bob, "x"))
	require.NotNil(t, perr, "departed members are not direct targets")
	assert.Equal(t, protocol.CodeNotAMember, perr.Code)

	h.advance(h.r.Config().IdleTimeout / 2)
	b2, welcome := h.connect(bob, true)
	assert.True(t, welcome.Resumed)
	assert.Equal(t, []interfaces.SessionID{"s1"}, welcome.Sessions)

	var rejoined protocol.PartyRejoinedParams
	expectNotification(t, a, protocol.NotifyPartyRejoined, &rejoined)
	assert.Equal(t, bob, rejoined.Party)
	snap, _ = h.status(a, "s1")
	assert.Equal(t, interfaces.StateActive, snap.State)

	res, perr = h.send(a, broadcast("s1", "p2"))
	require.Nil(t, perr)
	assert.EqualValues(t, 2, res.Sequence)
	msg = expectMessage(t, b2)
	assert.EqualValues(t, 2, msg.Sequence)

	// bob's own counter survived the reconnect.
	res, perr = h.send(b2, broadcast("s1", "b2"))
	require.Nil(t, perr)
	assert.EqualValues(t, 2, res.Sequence)

	// A sweep after the original deadline changes nothing.
	h.advance(h.r.Config().IdleTimeout)
	h.sweep()
	snap, _ = h.status(a, "s1")
	assert.Equal(t, interfaces.StateActive, snap.State)
}

func TestResumption_WindowElapsed(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a, b := conns[alice], conns[bob]

	h.r.Disconnect(b)
	expectNotification(t, a, protocol.NotifyPartyLeft, nil)

	// The sweep may fire late but never early.
	h.advance(h.r.Config().IdleTimeout - time.Nanosecond)
	h.sweep()
	snap, _ := h.status(a, "s1")
	assert.Equal(t, interfaces.StateDraining, snap.State)
	expectQuiet(t, a)

	h.advance(time.Second)
	h.sweep()
	var ended protocol.SessionEndedParams
	expectNotification(t, a, protocol.NotifySessionAborted, &ended)
	assert.Equal(t, "resumption timeout", ended.Reason)

	_, perr := h.send(a, broadcast("s1", "too late"))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeSessionNotActive, perr.Code)

	// A late resumption finds nothing to resume.
	b2, welcome := h.connect(bob, true)
	assert.Empty(t, welcome.Sessions)
	_, perr = h.send(b2, broadcast("s1", "x"))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeSessionNotActive, perr.Code)
}

func TestReconnectWithoutToken_ForfeitsMembership(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a, b := conns[alice], conns[bob]

	h.r.Disconnect(b)
	expectNotification(t, a, protocol.NotifyPartyLeft, nil)

	_, welcome := h.connect(bob, false)
	assert.Empty(t, welcome.Sessions)

	var left protocol.PartyLeftParams
	expectNotification(t, a, protocol.NotifyPartyLeft, &left)
	assert.Equal(t, protocol.LeftReasonForfeited, left.Reason)

	var ended protocol.SessionEndedParams
	expectNotification(t, a, protocol.NotifySessionAborted, &ended)
	assert.Contains(t, ended.Reason, "quorum lost")
}

func TestAllowPartial_ReplacementAndExpiry(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	c, _ := h.connect(carol, false)
	required := []interfaces.PartyID{alice, bob, carol}

	h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: required, Quorum: 2, AllowPartial: true})
	h.join(b, protocol.JoinParams{SessionID: "s1"})
	expectNotification(t, a, protocol.NotifySessionReady, nil)
	expectNotification(t, b, protocol.NotifySessionReady, nil)

	h.r.Disconnect(b)
	expectNotification(t, a, protocol.NotifyPartyLeft, nil)

	// carol, an expected member, replaces bob while the session drains.
	snap := h.join(c, protocol.JoinParams{SessionID: "s1"})
	assert.Equal(t, interfaces.StateDraining, snap.State)
	assert.Equal(t, 3, snap.PartyNumber(carol))
	var joined protocol.PartyJoinedParams
	expectNotification(t, a, protocol.NotifyPartyJoined, &joined)
	assert.Equal(t, carol, joined.Party)
	assert.Equal(t, 3, joined.PartyNumber)

	h.advance(h.r.Config().IdleTimeout)
	h.sweep()
	var left protocol.PartyLeftParams
	expectNotification(t, a, protocol.NotifyPartyLeft, &left)
	assert.Equal(t, bob, left.Party)
	assert.Equal(t, protocol.LeftReasonExpired, left.Reason)
	expectNotification(t, c, protocol.NotifyPartyLeft, nil)

	snap, _ = h.status(a, "s1")
	assert.Equal(t, interfaces.StateActive, snap.State)
	assert.Empty(t, snap.Departed)

	res, perr := h.send(a, broadcast("s1", "go on"))
	require.Nil(t, perr)
	assert.Equal(t, []interfaces.PartyID{carol}, res.DeliveredTo)
}

func TestLeave_ClosesSessionAndRetainsIt(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a, b := conns[alice], conns[bob]

	require.Nil(t, h.leave(a, "s1"))
	var left protocol.PartyLeftParams
	expectNotification(t, b, protocol.NotifyPartyLeft, &left)
	assert.Equal(t, protocol.LeftReasonLeft, left.Reason)
	expectQuiet(t, a)

	// Leaving is idempotent and a party that left no longer sends.
	require.Nil(t, h.leave(a, "s1"))
	_, perr := h.send(a, broadcast("s1", "x"))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeNotAMember, perr.Code)

	require.Nil(t, h.leave(b, "s1"))
	expectNotification(t, a, protocol.NotifySessionClosed, nil)
	expectNotification(t, b, protocol.NotifySessionClosed, nil)

	snap, perr := h.status(a, "s1")
	require.Nil(t, perr, "terminal sessions stay queryable")
	assert.Equal(t, interfaces.StateClosed, snap.State)
	assert.Equal(t, "completed", snap.Reason)
	assert.Empty(t, h.r.Parties().Memberships(alice))

	h.advance(h.r.Config().RetainTerminal + time.Second)
	h.sweep()
	_, perr = h.status(a, "s1")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeNoSuchSession, perr.Code)
}

func TestLeave_WhileForming(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	required := []interfaces.PartyID{alice, bob}

	h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: required})
	require.Nil(t, h.leave(a, "s1"))
	snap, _ := h.status(a, "s1")
	assert.Empty(t, snap.Members)
	assert.Equal(t, interfaces.StateForming, snap.State)

	// Withdrawing does not prevent joining again.
	h.join(b, protocol.JoinParams{SessionID: "s1"})
	snap = h.join(a, protocol.JoinParams{SessionID: "s1"})
	assert.Equal(t, interfaces.StateActive, snap.State)
	assert.Equal(t, []interfaces.PartyID{bob, alice}, snap.Members)
}

func TestDisconnect_WhileFormingAndFormingTimeout(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)
	b, _ := h.connect(bob, false)
	h.join(a, protocol.JoinParams{SessionID: "s1", RequiredMembers: []interfaces.PartyID{alice, bob}})
	h.join(b, protocol.JoinParams{SessionID: "s2", RequiredMembers: []interfaces.PartyID{alice, bob}})

	h.r.Disconnect(a)
	snap, _ := h.status(b, "s1")
	assert.Empty(t, snap.Members)
	assert.Equal(t, interfaces.StateForming, snap.State)

	h.advance(h.r.Config().FormingTimeout)
	h.sweep()
	var ended protocol.SessionEndedParams
	expectNotification(t, b, protocol.NotifySessionAborted, &ended)
	assert.Equal(t, "forming timeout", ended.Reason)
	snap, _ = h.status(b, "s1")
	assert.Equal(t, interfaces.StateAborted, snap.State)
}

func TestAbort_Administrative(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)

	require.NoError(t, h.r.Abort("s1", "operator request"))
	for _, c := range conns {
		var ended protocol.SessionEndedParams
		expectNotification(t, c, protocol.NotifySessionAborted, &ended)
		assert.Equal(t, "operator request", ended.Reason)
	}
	require.ErrorIs(t, h.r.Abort("s1", "again"), protocol.ErrSessionNotActive)
	require.ErrorIs(t, h.r.Abort("missing", "x"), protocol.ErrNoSuchSession)

	snaps := h.r.SessionSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, interfaces.StateAborted, snaps[0].State)
}

func TestSend_InternalInconsistencyAbortsSession(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)

	h.r.Parties().Unbind(alice, "s1")
	_, perr := h.send(conns[alice], broadcast("s1", "x"))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeInternal, perr.Code)
	expectNotification(t, conns[bob], protocol.NotifySessionAborted, nil)

	snap, _ := h.status(conns[bob], "s1")
	assert.Equal(t, interfaces.StateAborted, snap.State)
}

func TestHandle_ProtocolErrorsKeepConnectionUsable(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(alice, false)

	f, err := protocol.DecodeServerFrame(h.r.Handle(a, []byte(`{not json`)))
	require.NoError(t, err)
	resp := f.(*protocol.Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeProtocolError, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)

	f, err = protocol.DecodeServerFrame(h.r.Handle(a, []byte(`{"jsonrpc":"2.0","id":"q","method":"complete","params":{}}`)))
	require.NoError(t, err)
	resp = f.(*protocol.Response)
	assert.Equal(t, protocol.CodeProtocolError, resp.Error.Code)
	assert.Equal(t, json.RawMessage(`"q"`), resp.ID)

	snap := h.join(a, protocol.JoinParams{SessionID: "s1"})
	assert.Equal(t, interfaces.StateForming, snap.State)
}

func TestFlushAll_ClosesConnections(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	_, perr := h.send(conns[alice], broadcast("s1", "pending"))
	require.Nil(t, perr)

	// bob never drains, so the flush gives up at the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	h.r.FlushAll(ctx)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	for _, c := range conns {
		assert.True(t, c.Closed())
		assert.Equal(t, "shutdown", c.CloseReason())
	}
	assert.Equal(t, 1, conns[bob].Pending(), "queued frames stay readable for the write pump")
}

func TestFlushAll_ReturnsOnceDrained(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	h.r.FlushAll(ctx)
	require.NoError(t, ctx.Err())
	assert.True(t, conns[alice].Closed())
}

func TestSessionEndedHook(t *testing.T) {
	h := newHarness(t)
	var ended []protocol.SessionSnapshot
	WithSessionEndedHook(func(s protocol.SessionSnapshot) { ended = append(ended, s) })(h.r)

	conns := h.activeSession("s1", alice, bob)
	require.Nil(t, h.leave(conns[alice], "s1"))
	assert.Empty(t, ended, "a departure alone does not end the session")
	require.Nil(t, h.leave(conns[bob], "s1"))
	require.Len(t, ended, 1)
	assert.Equal(t, interfaces.SessionID("s1"), ended[0].SessionID)
	assert.Equal(t, interfaces.StateClosed, ended[0].State)
	assert.Equal(t, []interfaces.PartyID{alice, bob}, ended[0].Members)

	h.activeSession("s2", alice, bob)
	require.NoError(t, h.r.Abort("s2", "operator request"))
	require.Len(t, ended, 2)
	assert.Equal(t, interfaces.StateAborted, ended[1].State)
	assert.Equal(t, "operator request", ended[1].Reason)

	// Already terminal sessions are not reported again.
	require.Error(t, h.r.Abort("s2", "again"))
	assert.Len(t, ended, 2)
}

func TestDisconnect_CascadeSkipsReadmittedParty(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a, b1 := conns[alice], conns[bob]

	// bob's old connection is removed, then a new one is admitted before
	// the cascade over the old memberships runs.
	b1.Close("disconnected")
	memberships, ok := h.r.Parties().Remove(b1)
	require.True(t, ok)
	b2, welcome := h.connect(bob, true)
	assert.Equal(t, []interfaces.SessionID{"s1"}, welcome.Sessions)
	h.r.departAll(bob, memberships)

	expectQuiet(t, a, b2)
	snap, perr := h.status(a, "s1")
	require.Nil(t, perr)
	assert.Equal(t, interfaces.StateActive, snap.State)
	assert.Empty(t, snap.Departed)

	res, perr := h.send(b2, broadcast("s1", "still here"))
	require.Nil(t, perr)
	assert.Equal(t, []interfaces.PartyID{alice}, res.DeliveredTo)
	assert.Equal(t, "still here", payloadString(t, expectMessage(t, a).Payload))
}

func TestSend_IndexCheckReportsEndedSession(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)

	// An abort lands between the sender lock and the index check and
	// unbinds every member.
	s, ok := h.r.Sessions().Get("s1")
	require.True(t, ok)
	require.NoError(t, h.r.Abort("s1", "operator request"))
	for _, c := range conns {
		expectNotification(t, c, protocol.NotifySessionAborted, nil)
	}
	require.False(t, h.r.Parties().IsBound(alice, "s1"))

	err := h.r.checkIndexed(s, alice, h.clock)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeSessionNotActive, perr.Code)
	expectQuiet(t, conns[alice], conns[bob])

	snap := s.Snapshot()
	assert.Equal(t, interfaces.StateAborted, snap.State)
	assert.Equal(t, "operator request", snap.Reason)
}
