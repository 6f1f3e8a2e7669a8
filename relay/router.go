package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/metrics"
	"github.com/ruteri/mpc-relay/protocol"
)

// Option customizes a Router.
type Option func(*Router)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithPartyNormalizer canonicalizes identities named by clients in
// required_members and direct targets, so they compare equal to the
// identities produced by authentication.
func WithPartyNormalizer(fn func(interfaces.PartyID) (interfaces.PartyID, error)) Option {
	return func(r *Router) { r.normalize = fn }
}

// WithSessionEndedHook registers fn to receive the snapshot of every session
// entering a terminal state. fn is called on the request path and must not
// block.
func WithSessionEndedHook(fn func(protocol.SessionSnapshot)) Option {
	return func(r *Router) { r.onEnded = fn }
}

// Router handles requests from admitted connections. It owns both
// registries and is the only component that turns session outcomes into
// outbound frames.
type Router struct {
	cfg       Config
	log       *slog.Logger
	parties   *PartyRegistry
	sessions  *SessionRegistry
	now       func() time.Time
	normalize func(interfaces.PartyID) (interfaces.PartyID, error)
	onEnded   func(protocol.SessionSnapshot)
}

// NewRouter creates a router with empty registries.
func NewRouter(cfg Config, log *slog.Logger, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		log:      log,
		parties:  NewPartyRegistry(),
		sessions: NewSessionRegistry(),
		now:      time.Now,
		normalize: func(id interfaces.PartyID) (interfaces.PartyID, error) {
			return id, nil
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the configuration the router was built with.
func (r *Router) Config() Config { return r.cfg }

// Parties exposes the party registry.
func (r *Router) Parties() *PartyRegistry { return r.parties }

// Sessions exposes the session registry.
func (r *Router) Sessions() *SessionRegistry { return r.sessions }

// Connect admits an authenticated connection. The welcome notification is
// queued before the connection becomes visible to other parties, so it is
// always the first frame. A previous connection of the same identity is
// superseded and closed; its memberships carry over. Departed memberships
// are resumed if the connection presented a valid token and forfeited
// otherwise.
func (r *Router) Connect(conn *Conn, resumeToken string) {
	party := conn.Party()
	log := r.log.With("party", party, "conn", conn.ID())

	unlock := r.parties.LockIdentity(party)
	defer unlock()

	welcome := protocol.WelcomeParams{
		Identity:     party,
		ConnectionID: conn.ID(),
		ResumeToken:  resumeToken,
		Resumed:      conn.Resumed(),
	}
	for _, sid := range r.parties.Memberships(party) {
		s, ok := r.sessions.Get(sid)
		if !ok || (!conn.Resumed() && s.isDeparted(party)) {
			continue
		}
		welcome.Sessions = append(welcome.Sessions, sid)
	}
	r.sendTo(conn, protocol.NotifyWelcome, welcome)

	res := r.parties.Admit(conn)
	metrics.ConnectionsLive.Set(float64(r.parties.Len()))
	log.Info("party connected", "resumed", conn.Resumed(), "memberships", len(res.Memberships))

	if res.Evicted != nil {
		r.sendTo(res.Evicted, protocol.NotifySuperseded, protocol.SupersededParams{Sessions: res.Memberships})
		res.Evicted.Close("superseded")
		metrics.Evictions.Inc()
		log.Info("previous connection superseded", "evicted", res.Evicted.ID())
	}

	now := r.now()
	for _, sid := range res.Memberships {
		s, ok := r.sessions.Get(sid)
		if !ok {
			r.parties.Unbind(party, sid)
			continue
		}
		if conn.Resumed() {
			if out, ok := s.resume(party); ok {
				metrics.Resumptions.Inc()
				log.Info("membership resumed", "session", sid)
				r.apply(sid, out)
			}
			continue
		}
		r.apply(sid, s.forfeit(party, now))
	}
}

// Disconnect handles the end of a connection. It is safe to call more than
// once and for connections that were superseded. It runs under the same
// identity lock as Connect, so a reconnect either precedes the removal and
// makes it a no-op, or follows the whole cascade and resumes it.
func (r *Router) Disconnect(conn *Conn) {
	conn.Close("disconnected")

	unlock := r.parties.LockIdentity(conn.Party())
	defer unlock()

	memberships, ok := r.parties.Remove(conn)
	if !ok {
		return
	}
	metrics.ConnectionsLive.Set(float64(r.parties.Len()))
	r.log.Info("party disconnected", "party", conn.Party(), "conn", conn.ID(), "memberships", len(memberships))
	r.departAll(conn.Party(), memberships)
}

// departAll marks party departed in each of memberships. It stops as soon
// as party has a live connection again.
func (r *Router) departAll(party interfaces.PartyID, memberships []interfaces.SessionID) {
	now := r.now()
	for _, sid := range memberships {
		if _, live := r.parties.Lookup(party); live {
			r.log.Debug("party readmitted during disconnect", "party", party, "session", sid)
			return
		}
		s, ok := r.sessions.Get(sid)
		if !ok {
			r.parties.Unbind(party, sid)
			continue
		}
		r.apply(sid, s.disconnect(party, now))
	}
}

// checkIndexed confirms that sender is still bound to s in the membership
// index. A session that ended after the sender lock was taken reports its
// state; a routable session with a missing binding is aborted.
func (r *Router) checkIndexed(s *Session, sender interfaces.PartyID, now time.Time) error {
	if r.parties.IsBound(sender, s.id) {
		return nil
	}
	if err := s.senderErr(sender); err != nil {
		return err
	}
	r.log.Error("joined sender missing from membership index", "party", sender, "session", s.id)
	r.apply(s.id, s.abort("internal error: membership index out of sync", now))
	return protocol.Errorf(protocol.CodeInternal, "membership of %s in %s is inconsistent", sender, s.id)
}

// Handle decodes one inbound frame, executes it and returns the encoded
// response.
func (r *Router) Handle(conn *Conn, data []byte) []byte {
	call := protocol.DecodeCall(data)

	var (
		result any
		err    error
	)
	switch c := call.(type) {
	case *protocol.InvalidCall:
		err = c.Err
	case *protocol.JoinCall:
		result, err = r.Join(conn, c.Params)
	case *protocol.LeaveCall:
		result, err = r.Leave(conn, c.Params)
	case *protocol.SendCall:
		result, err = r.Send(conn, c.Params)
	case *protocol.StatusCall:
		result, err = r.Status(conn, c.Params)
	default:
		err = protocol.Errorf(protocol.CodeInternal, "unhandled call %T", call)
	}

	if err != nil {
		return r.errorResponse(conn, call.RequestID(), err)
	}
	out, err := protocol.EncodeResult(call.RequestID(), result)
	if err != nil {
		return r.errorResponse(conn, call.RequestID(), err)
	}
	return out
}

func (r *Router) errorResponse(conn *Conn, id json.RawMessage, err error) []byte {
	perr := protocol.AsError(err)
	metrics.RequestErrors.WithLabelValues(string(perr.Code)).Inc()
	if perr.Code == protocol.CodeInternal {
		r.log.Error("request failed", "party", conn.Party(), "conn", conn.ID(), "err", err)
	} else {
		r.log.Debug("request rejected", "party", conn.Party(), "conn", conn.ID(), "err", err)
	}
	return protocol.EncodeError(id, perr)
}

// Join adds the connection's party to a session, creating it if needed.
func (r *Router) Join(conn *Conn, p protocol.JoinParams) (protocol.SessionSnapshot, error) {
	if !r.parties.IsCurrent(conn) {
		return protocol.SessionSnapshot{}, protocol.ErrUnauthenticated
	}
	party := conn.Party()

	for i, m := range p.RequiredMembers {
		id, err := r.normalize(m)
		if err != nil {
			return protocol.SessionSnapshot{}, protocol.Errorf(protocol.CodeProtocolError, "required_members: %v", err)
		}
		p.RequiredMembers[i] = id
	}
	if err := p.Validate(); err != nil {
		return protocol.SessionSnapshot{}, protocol.Errorf(protocol.CodeProtocolError, "join: %v", err)
	}

	now := r.now()
	s, created, err := r.sessions.GetOrCreate(p.SessionID, func(id interfaces.SessionID) (*Session, error) {
		return newSession(id, party, p, r.cfg, now)
	})
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}
	if created {
		r.log.Info("session created", "session", s.id, "creator", party, "closed", len(p.RequiredMembers) > 0)
	}

	bound := r.parties.Bind(party, s.id)
	snap, out, err := s.join(party, conn.Resumed(), now)
	if err != nil && bound {
		r.parties.Unbind(party, s.id)
	}
	r.apply(s.id, out)
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}
	return snap, nil
}

// Leave records the party's completion signal for a session.
func (r *Router) Leave(conn *Conn, p protocol.LeaveParams) (protocol.LeaveResult, error) {
	if !r.parties.IsCurrent(conn) {
		return protocol.LeaveResult{}, protocol.ErrUnauthenticated
	}
	s, ok := r.sessions.Get(p.SessionID)
	if !ok {
		return protocol.LeaveResult{}, protocol.ErrNoSuchSession
	}
	out, err := s.leave(conn.Party(), r.now())
	r.apply(s.id, out)
	if err != nil {
		return protocol.LeaveResult{}, err
	}
	return protocol.LeaveResult{OK: true}, nil
}

// Status returns a session snapshot. Retained terminal sessions can be
// queried until they are reaped.
func (r *Router) Status(conn *Conn, p protocol.StatusParams) (protocol.SessionSnapshot, error) {
	if !r.parties.IsCurrent(conn) {
		return protocol.SessionSnapshot{}, protocol.ErrUnauthenticated
	}
	return r.Session(p.SessionID)
}

// Send routes one envelope from the connection's party.
func (r *Router) Send(conn *Conn, p protocol.SendParams) (protocol.SendResult, error) {
	if !r.parties.IsCurrent(conn) {
		return protocol.SendResult{}, protocol.ErrUnauthenticated
	}
	s, ok := r.sessions.Get(p.SessionID)
	if !ok {
		return protocol.SendResult{}, protocol.ErrNoSuchSession
	}
	if !p.Target.IsBroadcast() {
		id, err := r.normalize(p.Target.Direct)
		if err != nil {
			return protocol.SendResult{}, protocol.Errorf(protocol.CodeNotAMember, "target: %v", err)
		}
		p.Target = protocol.DirectTo(id)
	}

	sender := conn.Party()
	st, err := s.lockSender(sender)
	if err != nil {
		return protocol.SendResult{}, err
	}
	defer st.mu.Unlock()

	now := r.now()
	if err := r.checkIndexed(s, sender, now); err != nil {
		return protocol.SendResult{}, err
	}

	deliveries, res, err := s.stage(sender, st, p, r.cfg.ReorderWindow, now)
	if err != nil {
		return protocol.SendResult{}, err
	}
	if res.Queued {
		metrics.EnvelopesBuffered.Inc()
		return res, nil
	}

	res.DeliveredTo = []interfaces.PartyID{}
	res.Failed = []interfaces.PartyID{}
	for i, d := range deliveries {
		frame, err := protocol.EncodeNotification(protocol.NotifyMessage, d.msg)
		if err != nil {
			return protocol.SendResult{}, fmt.Errorf("encoding message: %w", err)
		}
		metrics.EnvelopesRouted.Inc()
		for _, to := range d.to {
			sendErr := r.enqueue(to, frame)
			if sendErr != nil {
				metrics.DeliveryFailures.Inc()
				r.log.Debug("delivery failed", "session", s.id, "from", sender, "to", to, "sequence", d.msg.Sequence, "err", sendErr)
			}
			if i > 0 {
				continue
			}
			if sendErr != nil {
				res.Failed = append(res.Failed, to)
			} else {
				res.DeliveredTo = append(res.DeliveredTo, to)
			}
		}
	}
	return res, nil
}

// Session returns the snapshot of a session.
func (r *Router) Session(id interfaces.SessionID) (protocol.SessionSnapshot, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return protocol.SessionSnapshot{}, protocol.ErrNoSuchSession
	}
	return s.Snapshot(), nil
}

// SessionSnapshots returns snapshots of every session held by the registry.
func (r *Router) SessionSnapshots() []protocol.SessionSnapshot {
	sessions := r.sessions.List()
	out := make([]protocol.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Abort administratively aborts a session.
func (r *Router) Abort(id interfaces.SessionID, reason string) error {
	s, ok := r.sessions.Get(id)
	if !ok {
		return protocol.ErrNoSuchSession
	}
	out := s.abort(reason, r.now())
	if out.ended == "" {
		return protocol.Errorf(protocol.CodeSessionNotActive, "session %s already ended", id)
	}
	r.apply(id, out)
	return nil
}

// Sweep applies deadlines: forming and resumption timeouts, stale reorder
// buffers and reclamation of terminal sessions past retention.
func (r *Router) Sweep(now time.Time) {
	for _, s := range r.sessions.List() {
		r.apply(s.id, s.dropStale(now, r.cfg.ReorderTimeout))
		r.apply(s.id, s.expire(now))
	}
	if n := r.sessions.Reap(now.Add(-r.cfg.RetainTerminal)); n > 0 {
		r.log.Debug("reaped terminal sessions", "count", n)
	}
	for state, n := range r.sessions.CountByState() {
		metrics.Sessions.WithLabelValues(string(state)).Set(float64(n))
	}
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// FlushAll waits for outbound queues to drain, at most until ctx is done,
// then closes every connection.
func (r *Router) FlushAll(ctx context.Context) {
	conns := r.parties.Connections()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		pending := 0
		for _, c := range conns {
			pending += c.Pending()
		}
		if pending == 0 {
			break
		}
		select {
		case <-ctx.Done():
			r.log.Warn("shutdown grace elapsed with frames still queued", "frames", pending)
			break wait
		case <-ticker.C:
		}
	}

	for _, c := range conns {
		c.Close("shutdown")
	}
}

func (r *Router) apply(sid interfaces.SessionID, out outcome) {
	for _, id := range out.unbind {
		r.parties.Unbind(id, sid)
	}
	if out.ended != "" {
		metrics.SessionsEnded.WithLabelValues(string(out.ended)).Inc()
		r.log.Info("session ended", "session", sid, "state", out.ended)
		if r.onEnded != nil {
			if s, ok := r.sessions.Get(sid); ok {
				r.onEnded(s.Snapshot())
			}
		}
	}
	for _, ev := range out.events {
		frame, err := protocol.EncodeNotification(ev.method, ev.params)
		if err != nil {
			r.log.Error("encoding notification", "method", ev.method, "err", err)
			continue
		}
		for _, to := range ev.to {
			if err := r.enqueue(to, frame); err != nil {
				r.log.Debug("notification not delivered", "method", ev.method, "session", sid, "to", to, "err", err)
			}
		}
	}
}

func (r *Router) enqueue(to interfaces.PartyID, frame []byte) error {
	c, ok := r.parties.Lookup(to)
	if !ok {
		return ErrConnClosed
	}
	return c.Send(frame)
}

func (r *Router) sendTo(conn *Conn, method string, params any) {
	frame, err := protocol.EncodeNotification(method, params)
	if err != nil {
		r.log.Error("encoding notification", "method", method, "err", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		r.log.Debug("notification not delivered", "method", method, "conn", conn.ID(), "err", err)
	}
}
