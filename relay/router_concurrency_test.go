package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Conn) {
	for {
		select {
		case <-c.Outbox():
		default:
			return
		}
	}
}

func TestDisconnect_RacingReconnectKeepsMembership(t *testing.T) {
	h := newHarness(t)
	conns := h.activeSession("s1", alice, bob)
	a, current := conns[alice], conns[bob]

	for i := 0; i < 200; i++ {
		next := NewConn(interfaces.Credentials{Party: bob, Resumed: true}, h.r.Config())

		var wg sync.WaitGroup
		wg.Add(2)
		go func(old *Conn) {
			defer wg.Done()
			h.r.Disconnect(old)
		}(current)
		go func() {
			defer wg.Done()
			h.r.Connect(next, "token-bob")
		}()
		wg.Wait()
		current = next

		snap, perr := h.status(a, "s1")
		require.Nil(t, perr)
		require.Equal(t, interfaces.StateActive, snap.State, "iteration %d", i)
		require.Empty(t, snap.Departed, "iteration %d", i)
		drain(a)
		drain(current)
	}

	res, perr := h.send(current, broadcast("s1", "done"))
	require.Nil(t, perr)
	assert.Equal(t, []interfaces.PartyID{alice}, res.DeliveredTo)
}

// Parallel connections exercise every entry point at once. Together with
// the race detector this covers the lock order between party identities,
// sender state, sessions and both registries.
func TestRouter_ConcurrentTraffic(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxMembers = 16 })
	sessions := []interfaces.SessionID{"s1", "s2", "s3"}
	parties := []interfaces.PartyID{alice, bob, carol, dave, "erin", "frank"}

	var (
		wg     sync.WaitGroup
		stop   = make(chan struct{})
		sweeps sync.WaitGroup
	)
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.r.Sweep(h.clock)
			}
		}
	}()

	// Each identity runs on two goroutines so admissions also supersede.
	for w := 0; w < 2*len(parties); w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			party := parties[w%len(parties)]
			var reqID int
			call := func(c *Conn, method string, params any) {
				reqID++
				frame, err := protocol.EncodeRequest(json.RawMessage(strconv.Itoa(reqID)), method, params)
				if !assert.NoError(t, err) {
					return
				}
				_, err = protocol.DecodeServerFrame(h.r.Handle(c, frame))
				assert.NoError(t, err)
			}

			for i := 0; i < 50; i++ {
				c := NewConn(interfaces.Credentials{Party: party, Resumed: i%2 == 0}, h.r.Config())
				h.r.Connect(c, "token-"+string(party))
				for j, sid := range sessions {
					if (w+i+j)%3 == 0 {
						continue
					}
					call(c, protocol.MethodJoin, protocol.JoinParams{SessionID: sid})
					call(c, protocol.MethodSend, broadcast(sid, fmt.Sprintf("%s-%d", party, i)))
					call(c, protocol.MethodStatus, protocol.StatusParams{SessionID: sid})
					if (w+i)%5 == 0 {
						call(c, protocol.MethodLeave, protocol.LeaveParams{SessionID: sid})
					}
				}
				drain(c)
				h.r.Disconnect(c)
			}
		}(w)
	}

	wg.Wait()
	close(stop)
	sweeps.Wait()

	assert.Zero(t, h.r.Parties().Len())
	for _, snap := range h.r.SessionSnapshots() {
		for _, p := range snap.Departed {
			assert.Contains(t, snap.Members, p, "session %s", snap.SessionID)
			assert.NotContains(t, snap.Left, p, "session %s", snap.SessionID)
		}
	}
}
