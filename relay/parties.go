package relay

import (
	"sort"
	"sync"

	"github.com/ruteri/mpc-relay/interfaces"
)

// AdmitResult reports what an admission replaced.
type AdmitResult struct {
	// Evicted is the identity's previous live connection, if any.
	Evicted *Conn
	// Memberships are the identity's session memberships at admission.
	Memberships []interfaces.SessionID
}

// PartyRegistry maps identities to their single live connection and keeps
// the identity to session membership index used for disconnect cascades and
// resumption. Memberships outlive connections.
type PartyRegistry struct {
	mu      sync.RWMutex
	conns   map[interfaces.PartyID]*Conn
	members map[interfaces.PartyID]map[interfaces.SessionID]struct{}

	locksMu sync.Mutex
	locks   map[interfaces.PartyID]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// NewPartyRegistry creates an empty registry.
func NewPartyRegistry() *PartyRegistry {
	return &PartyRegistry{
		conns:   make(map[interfaces.PartyID]*Conn),
		members: make(map[interfaces.PartyID]map[interfaces.SessionID]struct{}),
		locks:   make(map[interfaces.PartyID]*identityLock),
	}
}

// LockIdentity serializes admission and removal of id's connections and
// returns the matching unlock. It is taken before any session or registry
// lock.
func (r *PartyRegistry) LockIdentity(id interfaces.PartyID) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &identityLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

// Admit registers c as its party's live connection, atomically replacing a
// previous one. The evicted connection is returned, not closed.
func (r *PartyRegistry) Admit(c *Conn) AdmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res AdmitResult
	if prev, ok := r.conns[c.party]; ok && prev != c {
		res.Evicted = prev
	}
	r.conns[c.party] = c
	res.Memberships = r.membershipsLocked(c.party)
	return res
}

// Lookup returns the live connection of id.
func (r *PartyRegistry) Lookup(id interfaces.PartyID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// IsCurrent reports whether c is its party's registered connection.
func (r *PartyRegistry) IsCurrent(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[c.party] == c
}

// Remove unregisters c if it is still the registered connection of its
// party and returns the party's memberships. A connection that was already
// replaced is a no-op, so a late close of an evicted connection never
// removes its successor.
func (r *PartyRegistry) Remove(c *Conn) ([]interfaces.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.party] != c {
		return nil, false
	}
	delete(r.conns, c.party)
	return r.membershipsLocked(c.party), true
}

// Bind records that id is a member of sid. It returns false if the binding
// already existed.
func (r *PartyRegistry) Bind(id interfaces.PartyID, sid interfaces.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[id]
	if !ok {
		set = make(map[interfaces.SessionID]struct{})
		r.members[id] = set
	}
	if _, ok := set[sid]; ok {
		return false
	}
	set[sid] = struct{}{}
	return true
}

// Unbind drops the membership of id in sid.
func (r *PartyRegistry) Unbind(id interfaces.PartyID, sid interfaces.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[id]
	if !ok {
		return
	}
	delete(set, sid)
	if len(set) == 0 {
		delete(r.members, id)
	}
}

// IsBound reports whether id is recorded as a member of sid.
func (r *PartyRegistry) IsBound(id interfaces.PartyID, sid interfaces.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id][sid]
	return ok
}

// Memberships returns the sessions id is a member of, sorted.
func (r *PartyRegistry) Memberships(id interfaces.PartyID) []interfaces.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membershipsLocked(id)
}

func (r *PartyRegistry) membershipsLocked(id interfaces.PartyID) []interfaces.SessionID {
	set := r.members[id]
	if len(set) == 0 {
		return nil
	}
	out := make([]interfaces.SessionID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live connections.
func (r *PartyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns every live connection.
func (r *PartyRegistry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
