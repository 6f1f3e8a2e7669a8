package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/mpc-relay/interfaces"
)

// SessionRegistry maps session ids to sessions. It only guards the map;
// each session synchronizes its own state.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[interfaces.SessionID]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[interfaces.SessionID]*Session)}
}

// GetOrCreate returns the session named id, creating it with create when it
// does not exist. An empty id creates a session with a generated id.
func (r *SessionRegistry) GetOrCreate(id interfaces.SessionID, create func(interfaces.SessionID) (*Session, error)) (*Session, bool, error) {
	if id == "" {
		id = interfaces.SessionID(uuid.NewString())
	} else if s, ok := r.Get(id); ok {
		return s, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	s, err := create(id)
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = s
	return s, true, nil
}

// Get returns the session named id.
func (r *SessionRegistry) Get(id interfaces.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes the session named id.
func (r *SessionRegistry) Delete(id interfaces.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns all sessions ordered by creation time.
func (r *SessionRegistry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Reap deletes terminal sessions that ended before cutoff and returns how
// many were removed.
func (r *SessionRegistry) Reap(cutoff time.Time) int {
	var expired []interfaces.SessionID
	for _, s := range r.List() {
		if s.endedBefore(cutoff) {
			expired = append(expired, s.id)
		}
	}
	if len(expired) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range expired {
		delete(r.sessions, id)
	}
	return len(expired)
}

// CountByState returns the number of sessions in each state.
func (r *SessionRegistry) CountByState() map[interfaces.SessionState]int {
	counts := map[interfaces.SessionState]int{
		interfaces.StateForming:  0,
		interfaces.StateActive:   0,
		interfaces.StateDraining: 0,
		interfaces.StateClosed:   0,
		interfaces.StateAborted:  0,
	}
	for _, s := range r.List() {
		counts[s.State()]++
	}
	return counts
}

// Len returns the number of sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
