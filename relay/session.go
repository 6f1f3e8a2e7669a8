package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
)

// event is a notification produced by a session transition. Sessions never
// send; the router dispatches events after the session lock is released.
type event struct {
	method string
	params any
	to     []interfaces.PartyID
}

// outcome collects the side effects of one session operation.
type outcome struct {
	events []event
	// unbind lists parties whose membership index entry must be dropped.
	unbind []interfaces.PartyID
	// ended is the terminal state entered by the operation, if any.
	ended interfaces.SessionState
}

func (o *outcome) notify(method string, params any, to []interfaces.PartyID) {
	if len(to) == 0 {
		return
	}
	o.events = append(o.events, event{method: method, params: params, to: to})
}

func (o *outcome) merge(other outcome) {
	o.events = append(o.events, other.events...)
	o.unbind = append(o.unbind, other.unbind...)
	if other.ended != "" {
		o.ended = other.ended
	}
}

type envelope struct {
	target  protocol.Target
	seq     uint64
	payload json.RawMessage
}

type pendingEnvelope struct {
	envelope
	at time.Time
}

// delivery is one envelope resolved to its recipients.
type delivery struct {
	msg protocol.MessageParams
	to  []interfaces.PartyID
}

// senderState is the per-sender sequence state inside a session. Its lock
// is held from sequence validation until every recipient queue has accepted
// or refused the envelope, which keeps one sender's envelopes in order.
// Lock order: senderState.mu before Session.mu.
type senderState struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]pendingEnvelope
}

func newSenderState() *senderState {
	return &senderState{next: 1, pending: make(map[uint64]pendingEnvelope)}
}

// Session is the state machine of one computation round.
type Session struct {
	id interfaces.SessionID

	mu sync.Mutex

	required        []interfaces.PartyID
	requiredSet     map[interfaces.PartyID]struct{}
	quorum          int
	maxMembers      int
	allowPartial    bool
	abortOnMismatch bool
	idleTimeout     time.Duration
	value           json.RawMessage

	state    interfaces.SessionState
	members  []interfaces.PartyID
	joined   map[interfaces.PartyID]struct{}
	departed map[interfaces.PartyID]time.Time
	left     map[interfaces.PartyID]struct{}
	senders  map[interfaces.PartyID]*senderState

	createdAt time.Time
	deadline  time.Time
	endedAt   time.Time
	reason    string
}

// newSession creates a forming session shaped by its first joiner.
func newSession(id interfaces.SessionID, creator interfaces.PartyID, p protocol.JoinParams, cfg Config, now time.Time) (*Session, error) {
	s := &Session{
		id:              id,
		allowPartial:    p.AllowPartial,
		abortOnMismatch: cfg.AbortOnMismatch,
		idleTimeout:     cfg.IdleTimeout,
		value:           p.Value,
		state:           interfaces.StateForming,
		joined:          make(map[interfaces.PartyID]struct{}),
		departed:        make(map[interfaces.PartyID]time.Time),
		left:            make(map[interfaces.PartyID]struct{}),
		senders:         make(map[interfaces.PartyID]*senderState),
		createdAt:       now,
		deadline:        now.Add(cfg.FormingTimeout),
	}

	if len(p.RequiredMembers) > 0 {
		s.required = append([]interfaces.PartyID(nil), p.RequiredMembers...)
		s.requiredSet = make(map[interfaces.PartyID]struct{}, len(s.required))
		for _, m := range s.required {
			s.requiredSet[m] = struct{}{}
		}
		if _, ok := s.requiredSet[creator]; !ok {
			return nil, protocol.Errorf(protocol.CodeNotAMember, "%s is not in required_members", creator)
		}
		s.maxMembers = len(s.required)
		s.quorum = p.Quorum
		if s.quorum == 0 {
			s.quorum = len(s.required)
		}
		return s, nil
	}

	s.maxMembers = cfg.MaxMembers
	if p.MaxMembers > 0 && p.MaxMembers < cfg.MaxMembers {
		s.maxMembers = p.MaxMembers
	}
	s.quorum = p.Quorum
	if s.quorum == 0 {
		s.quorum = cfg.DefaultQuorum
	}
	if s.quorum > s.maxMembers {
		return nil, protocol.Errorf(protocol.CodeProtocolError, "quorum %d exceeds the member cap %d", s.quorum, s.maxMembers)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() interfaces.SessionID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() interfaces.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current membership and state.
func (s *Session) Snapshot() protocol.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() protocol.SessionSnapshot {
	snap := protocol.SessionSnapshot{
		SessionID:    s.id,
		State:        s.state,
		Members:      append([]interfaces.PartyID{}, s.members...),
		Required:     append([]interfaces.PartyID(nil), s.required...),
		Quorum:       s.quorum,
		MaxMembers:   s.maxMembers,
		AllowPartial: s.allowPartial,
		Value:        s.value,
		CreatedAt:    s.createdAt,
		Reason:       s.reason,
	}
	for _, m := range s.members {
		if _, ok := s.departed[m]; ok {
			snap.Departed = append(snap.Departed, m)
		}
		if _, ok := s.left[m]; ok {
			snap.Left = append(snap.Left, m)
		}
	}
	return snap
}

// joinedLocked returns joined members in join order, without except.
func (s *Session) joinedLocked(except interfaces.PartyID) []interfaces.PartyID {
	out := make([]interfaces.PartyID, 0, len(s.joined))
	for _, m := range s.members {
		if _, ok := s.joined[m]; ok && m != except {
			out = append(out, m)
		}
	}
	return out
}

// recipientsLocked returns every member that has not forfeited.
func (s *Session) recipientsLocked() []interfaces.PartyID {
	out := make([]interfaces.PartyID, 0, len(s.members))
	for _, m := range s.members {
		_, j := s.joined[m]
		_, d := s.departed[m]
		_, l := s.left[m]
		if j || d || l {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) isMemberLocked(id interfaces.PartyID) bool {
	_, j := s.joined[id]
	_, d := s.departed[id]
	_, l := s.left[id]
	return j || d || l
}

func (s *Session) isDeparted(id interfaces.PartyID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.departed[id]
	return ok
}

func (s *Session) isJoined(id interfaces.PartyID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[id]
	return ok
}

func (s *Session) removeMemberLocked(id interfaces.PartyID) {
	delete(s.joined, id)
	delete(s.senders, id)
	for i, m := range s.members {
		if m == id {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
}

// join adds id to the session. Joining twice returns the current state. A
// draining session accepts expected members as replacements for departed
// ones.
func (s *Session) join(id interfaces.PartyID, resumed bool, now time.Time) (protocol.SessionSnapshot, outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outcome
	if _, ok := s.joined[id]; ok {
		return s.snapshotLocked(), out, nil
	}
	if _, ok := s.departed[id]; ok {
		if !resumed {
			return protocol.SessionSnapshot{}, out, protocol.Errorf(protocol.CodeSessionNotActive, "membership of %s in %s requires resumption", id, s.id)
		}
		out = s.rejoinLocked(id)
		return s.snapshotLocked(), out, nil
	}
	if s.state.Terminal() {
		return protocol.SessionSnapshot{}, out, protocol.Errorf(protocol.CodeSessionNotActive, "session %s is %s", s.id, s.state)
	}
	if _, ok := s.left[id]; ok {
		return protocol.SessionSnapshot{}, out, protocol.Errorf(protocol.CodeSessionNotActive, "%s already left session %s", id, s.id)
	}
	if s.state != interfaces.StateForming && s.state != interfaces.StateDraining {
		return protocol.SessionSnapshot{}, out, protocol.Errorf(protocol.CodeSessionNotActive, "session %s is %s and no longer accepts joins", s.id, s.state)
	}

	if s.requiredSet != nil {
		if _, ok := s.requiredSet[id]; !ok {
			if s.abortOnMismatch {
				out = s.abortLocked(fmt.Sprintf("membership mismatch: %s is not a required member", id), now)
			}
			return protocol.SessionSnapshot{}, out, protocol.Errorf(protocol.CodeNotAMember, "%s is not a required member of %s", id, s.id)
		}
	} else if len(s.members) >= s.maxMembers {
		return protocol.SessionSnapshot{}, out, protocol.Errorf(protocol.CodeNotAMember, "session %s is full", s.id)
	}

	s.members = append(s.members, id)
	s.joined[id] = struct{}{}
	if _, ok := s.senders[id]; !ok {
		s.senders[id] = newSenderState()
	}

	switch {
	case s.state == interfaces.StateDraining:
		// A replacement for a departed member; the others learn its number.
		out.notify(protocol.NotifyPartyJoined, protocol.PartyJoinedParams{SessionID: s.id, Party: id, PartyNumber: len(s.members)}, s.joinedLocked(id))
	case len(s.joined) >= s.quorum:
		s.state = interfaces.StateActive
		s.deadline = time.Time{}
		out.notify(protocol.NotifySessionReady, s.snapshotLocked(), s.joinedLocked(""))
	}
	return s.snapshotLocked(), out, nil
}

// resume reattaches a departed member whose new connection presented a
// valid resumption token.
func (s *Session) resume(id interfaces.PartyID) (outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.departed[id]; !ok {
		return outcome{}, false
	}
	return s.rejoinLocked(id), true
}

func (s *Session) rejoinLocked(id interfaces.PartyID) outcome {
	var out outcome
	delete(s.departed, id)
	s.joined[id] = struct{}{}
	out.notify(protocol.NotifyPartyRejoined, protocol.PartyRejoinedParams{SessionID: s.id, Party: id}, s.joinedLocked(id))
	if len(s.departed) == 0 && s.state == interfaces.StateDraining {
		s.state = interfaces.StateActive
		s.deadline = time.Time{}
	}
	return out
}

// forfeit drops a departed member that reconnected without resuming.
func (s *Session) forfeit(id interfaces.PartyID, now time.Time) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outcome
	if _, ok := s.departed[id]; !ok {
		return out
	}
	delete(s.departed, id)
	delete(s.senders, id)
	out.unbind = append(out.unbind, id)
	out.notify(protocol.NotifyPartyLeft, protocol.PartyLeftParams{SessionID: s.id, Party: id, Reason: protocol.LeftReasonForfeited}, s.joinedLocked(""))

	if !s.allowPartial || len(s.joined)+len(s.departed)+len(s.left) < s.quorum {
		out.merge(s.abortLocked(fmt.Sprintf("quorum lost: %s forfeited its membership", id), now))
		return out
	}
	if len(s.departed) == 0 {
		s.state = interfaces.StateActive
		s.deadline = time.Time{}
		out.merge(s.maybeCloseLocked(now))
	}
	return out
}

// leave records the completion signal of id. Leaving a forming session
// withdraws the party entirely.
func (s *Session) leave(id interfaces.PartyID, now time.Time) (outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outcome
	if s.state.Terminal() {
		if !s.isMemberLocked(id) {
			return out, protocol.Errorf(protocol.CodeNotAMember, "%s is not a member of %s", id, s.id)
		}
		out.unbind = append(out.unbind, id)
		return out, nil
	}
	if _, ok := s.left[id]; ok {
		return out, nil
	}
	if _, ok := s.joined[id]; !ok {
		return out, protocol.Errorf(protocol.CodeNotAMember, "%s is not a joined member of %s", id, s.id)
	}

	out.unbind = append(out.unbind, id)
	if s.state == interfaces.StateForming {
		s.removeMemberLocked(id)
		return out, nil
	}

	delete(s.joined, id)
	s.left[id] = struct{}{}
	out.notify(protocol.NotifyPartyLeft, protocol.PartyLeftParams{SessionID: s.id, Party: id, Reason: protocol.LeftReasonLeft}, s.joinedLocked(""))
	out.merge(s.maybeCloseLocked(now))
	return out, nil
}

// disconnect handles the loss of id's connection.
func (s *Session) disconnect(id interfaces.PartyID, now time.Time) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outcome
	if _, ok := s.joined[id]; !ok {
		if s.state.Terminal() {
			out.unbind = append(out.unbind, id)
		}
		return out
	}

	switch s.state {
	case interfaces.StateForming:
		s.removeMemberLocked(id)
		out.unbind = append(out.unbind, id)
	case interfaces.StateActive, interfaces.StateDraining:
		delete(s.joined, id)
		s.departed[id] = now
		s.state = interfaces.StateDraining
		s.deadline = now.Add(s.idleTimeout)
		out.notify(protocol.NotifyPartyLeft, protocol.PartyLeftParams{SessionID: s.id, Party: id, Reason: protocol.LeftReasonDisconnected}, s.joinedLocked(""))
	}
	return out
}

// expire applies deadline transitions. It never fires before the deadline.
func (s *Session) expire(now time.Time) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outcome
	if s.deadline.IsZero() || now.Before(s.deadline) {
		return out
	}

	switch s.state {
	case interfaces.StateForming:
		out.merge(s.abortLocked("forming timeout", now))
	case interfaces.StateDraining:
		if !s.allowPartial || len(s.joined)+len(s.left) < s.quorum {
			out.merge(s.abortLocked("resumption timeout", now))
			return out
		}
		for _, m := range s.members {
			if _, ok := s.departed[m]; !ok {
				continue
			}
			delete(s.departed, m)
			delete(s.senders, m)
			out.unbind = append(out.unbind, m)
			out.notify(protocol.NotifyPartyLeft, protocol.PartyLeftParams{SessionID: s.id, Party: m, Reason: protocol.LeftReasonExpired}, s.joinedLocked(""))
		}
		s.state = interfaces.StateActive
		s.deadline = time.Time{}
		out.merge(s.maybeCloseLocked(now))
	}
	return out
}

// abort moves the session to aborted. Aborting a terminal session is a no-op.
func (s *Session) abort(reason string, now time.Time) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortLocked(reason, now)
}

func (s *Session) abortLocked(reason string, now time.Time) outcome {
	var out outcome
	if s.state.Terminal() {
		return out
	}
	recipients := s.recipientsLocked()
	s.endLocked(interfaces.StateAborted, reason, now)
	out.ended = interfaces.StateAborted
	out.unbind = append(out.unbind, s.members...)
	out.notify(protocol.NotifySessionAborted, protocol.SessionEndedParams{SessionID: s.id, Reason: reason}, recipients)
	return out
}

func (s *Session) maybeCloseLocked(now time.Time) outcome {
	var out outcome
	if !s.state.Routable() || len(s.joined) > 0 || len(s.departed) > 0 {
		return out
	}
	recipients := s.recipientsLocked()
	s.endLocked(interfaces.StateClosed, "completed", now)
	out.ended = interfaces.StateClosed
	out.unbind = append(out.unbind, s.members...)
	out.notify(protocol.NotifySessionClosed, protocol.SessionEndedParams{SessionID: s.id, Reason: s.reason}, recipients)
	return out
}

func (s *Session) endLocked(state interfaces.SessionState, reason string, now time.Time) {
	s.state = state
	s.reason = reason
	s.endedAt = now
	s.deadline = time.Time{}
}

// endedBefore reports whether the session is terminal and ended before t.
func (s *Session) endedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && s.endedAt.Before(t)
}

func (s *Session) senderErr(id interfaces.PartyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderErrLocked(id)
}

// senderErrLocked checks that id may send into the session.
func (s *Session) senderErrLocked(id interfaces.PartyID) error {
	if !s.isMemberLocked(id) {
		return protocol.Errorf(protocol.CodeNotAMember, "%s is not a member of %s", id, s.id)
	}
	if !s.state.Routable() {
		return protocol.Errorf(protocol.CodeSessionNotActive, "session %s is %s", s.id, s.state)
	}
	if _, ok := s.joined[id]; !ok {
		return protocol.Errorf(protocol.CodeNotAMember, "%s is no longer joined to %s", id, s.id)
	}
	return nil
}

// lockSender returns the sequence state of id with its lock held.
func (s *Session) lockSender(id interfaces.PartyID) (*senderState, error) {
	s.mu.Lock()
	st, ok := s.senders[id]
	err := s.senderErrLocked(id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotAMember, "%s has no sequence state in %s", id, s.id)
	}
	st.mu.Lock()
	return st, nil
}

// stage validates one send against the session and the sender's sequence
// state and returns the envelopes that became deliverable, in order. The
// caller holds st.mu and keeps holding it while enqueueing the deliveries.
func (s *Session) stage(sender interfaces.PartyID, st *senderState, p protocol.SendParams, window uint64, now time.Time) ([]delivery, protocol.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res protocol.SendResult
	if err := s.senderErrLocked(sender); err != nil {
		return nil, res, err
	}
	if !p.Target.IsBroadcast() {
		if _, ok := s.joined[p.Target.Direct]; !ok {
			return nil, res, protocol.Errorf(protocol.CodeNotAMember, "target %s is not a joined member of %s", p.Target.Direct, s.id)
		}
	}

	seq := st.next
	if p.Seq != nil {
		seq = *p.Seq
	}
	env := envelope{target: p.Target, seq: seq, payload: p.Payload}

	switch {
	case seq == st.next:
		deliveries := []delivery{s.deliveryLocked(sender, env)}
		st.next++
		for {
			pe, ok := st.pending[st.next]
			if !ok {
				break
			}
			delete(st.pending, st.next)
			deliveries = append(deliveries, s.deliveryLocked(sender, pe.envelope))
			st.next++
		}
		res.Sequence = seq
		return deliveries, res, nil
	case seq > st.next && seq-st.next <= window:
		if _, dup := st.pending[seq]; dup {
			return nil, res, protocol.Errorf(protocol.CodeSequenceGap, "sequence %d is already buffered", seq)
		}
		st.pending[seq] = pendingEnvelope{envelope: env, at: now}
		res.Sequence = seq
		res.Queued = true
		return nil, res, nil
	default:
		return nil, res, protocol.Errorf(protocol.CodeSequenceGap, "expected sequence %d, got %d", st.next, seq)
	}
}

func (s *Session) deliveryLocked(sender interfaces.PartyID, env envelope) delivery {
	d := delivery{msg: protocol.MessageParams{
		SessionID: s.id,
		Sender:    sender,
		Sequence:  env.seq,
		Target:    env.target,
		Payload:   env.payload,
	}}
	if env.target.IsBroadcast() {
		d.to = s.joinedLocked(sender)
	} else if _, ok := s.joined[env.target.Direct]; ok {
		d.to = []interfaces.PartyID{env.target.Direct}
	}
	return d
}

// dropStale discards buffered envelopes older than timeout and returns a
// sequence-gap notification for each affected sender.
func (s *Session) dropStale(now time.Time, timeout time.Duration) outcome {
	s.mu.Lock()
	states := make(map[interfaces.PartyID]*senderState, len(s.senders))
	for id, st := range s.senders {
		states[id] = st
	}
	s.mu.Unlock()

	var out outcome
	for id, st := range states {
		st.mu.Lock()
		var dropped []uint64
		for seq, pe := range st.pending {
			if now.Sub(pe.at) >= timeout {
				dropped = append(dropped, seq)
				delete(st.pending, seq)
			}
		}
		expected := st.next
		st.mu.Unlock()

		if len(dropped) == 0 {
			continue
		}
		sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
		out.notify(protocol.NotifySequenceGap, protocol.SequenceGapParams{SessionID: s.id, Expected: expected, Dropped: dropped}, []interfaces.PartyID{id})
	}
	return out
}
