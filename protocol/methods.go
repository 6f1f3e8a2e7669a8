package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
)

// Request methods (client to server).
const (
	MethodJoin   = "join"
	MethodLeave  = "leave"
	MethodSend   = "send"
	MethodStatus = "status"
)

// Notification methods (server to client).
const (
	NotifyWelcome        = "welcome"
	NotifySessionReady   = "session-ready"
	NotifyPartyLeft      = "party-left"
	NotifyPartyJoined    = "party-joined"
	NotifyPartyRejoined  = "party-rejoined"
	NotifySessionClosed  = "session-closed"
	NotifySessionAborted = "session-aborted"
	NotifyMessage        = "message"
	NotifySuperseded     = "superseded"
	NotifySequenceGap    = "sequence-gap"
)

// Reasons carried by party-left notifications.
const (
	LeftReasonLeft         = "left"
	LeftReasonDisconnected = "disconnected"
	LeftReasonForfeited    = "forfeited"
	LeftReasonExpired      = "expired"
)

// JoinParams are the parameters of a join request. Only the first joiner's
// membership shape is used; later joiners may omit everything but SessionID.
type JoinParams struct {
	SessionID       interfaces.SessionID `json:"session_id,omitempty"`
	RequiredMembers []interfaces.PartyID `json:"required_members,omitempty"`
	Quorum          int                  `json:"quorum,omitempty"`
	MaxMembers      int                  `json:"max_members,omitempty"`
	AllowPartial    bool                 `json:"allow_partial,omitempty"`
	Value           json.RawMessage      `json:"value,omitempty"`
}

// Validate checks the structural constraints of the parameters.
func (p *JoinParams) Validate() error {
	if p.SessionID != "" {
		if err := interfaces.ValidateSessionID(p.SessionID); err != nil {
			return err
		}
	}
	if p.Quorum < 0 {
		return errors.New("quorum must not be negative")
	}
	if p.MaxMembers < 0 {
		return errors.New("max_members must not be negative")
	}
	seen := make(map[interfaces.PartyID]struct{}, len(p.RequiredMembers))
	for _, id := range p.RequiredMembers {
		if id == "" {
			return errors.New("required_members contains an empty identity")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("required_members contains %s twice", id)
		}
		seen[id] = struct{}{}
	}
	if len(p.RequiredMembers) > 0 && p.Quorum > len(p.RequiredMembers) {
		return errors.New("quorum exceeds the number of required members")
	}
	return nil
}

// LeaveParams are the parameters of a leave request.
type LeaveParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
}

// LeaveResult is the result of a leave request.
type LeaveResult struct {
	OK bool `json:"ok"`
}

// StatusParams are the parameters of a status request.
type StatusParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
}

// Target selects the recipients of an envelope. The zero value is broadcast.
type Target struct {
	Direct interfaces.PartyID
}

// Broadcast is the target addressing every other joined member.
var Broadcast = Target{}

// DirectTo addresses a single member.
func DirectTo(id interfaces.PartyID) Target {
	return Target{Direct: id}
}

// IsBroadcast reports whether the target addresses every other member.
func (t Target) IsBroadcast() bool {
	return t.Direct == ""
}

// String returns a log friendly form of the target.
func (t Target) String() string {
	if t.IsBroadcast() {
		return "broadcast"
	}
	return "direct:" + string(t.Direct)
}

// MarshalJSON encodes the target as "broadcast" or {"direct": id}.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.IsBroadcast() {
		return []byte(`"broadcast"`), nil
	}
	return json.Marshal(struct {
		Direct interfaces.PartyID `json:"direct"`
	}{t.Direct})
}

// UnmarshalJSON decodes "broadcast" or {"direct": id}.
func (t *Target) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "broadcast" {
			return fmt.Errorf("unknown target %q", s)
		}
		*t = Broadcast
		return nil
	}
	var d struct {
		Direct interfaces.PartyID `json:"direct"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("target must be \"broadcast\" or {\"direct\": id}: %w", err)
	}
	if d.Direct == "" {
		return errors.New("direct target requires an identity")
	}
	*t = DirectTo(d.Direct)
	return nil
}

// SendParams are the parameters of a send request. Seq is optional: when
// omitted the relay assigns the sender's next sequence number.
type SendParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
	Target    Target               `json:"target"`
	Payload   json.RawMessage      `json:"payload"`
	Seq       *uint64              `json:"seq,omitempty"`
}

// SendResult reports where an envelope was delivered. Failed lists targets
// whose connection refused the envelope; it is a warning, not an error.
type SendResult struct {
	Sequence    uint64               `json:"sequence"`
	DeliveredTo []interfaces.PartyID `json:"delivered_to"`
	Failed      []interfaces.PartyID `json:"failed"`
	Queued      bool                 `json:"queued,omitempty"`
}

// SessionSnapshot describes a session. Members are listed in join order; a
// member's party number is its 1-based position in that list.
type SessionSnapshot struct {
	SessionID    interfaces.SessionID    `json:"session_id"`
	State        interfaces.SessionState `json:"state"`
	Members      []interfaces.PartyID    `json:"members"`
	Departed     []interfaces.PartyID    `json:"departed,omitempty"`
	Left         []interfaces.PartyID    `json:"left,omitempty"`
	Required     []interfaces.PartyID    `json:"required_members,omitempty"`
	Quorum       int                     `json:"quorum"`
	MaxMembers   int                     `json:"max_members,omitempty"`
	AllowPartial bool                    `json:"allow_partial,omitempty"`
	Value        json.RawMessage         `json:"value,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	Reason       string                  `json:"reason,omitempty"`
}

// PartyNumber returns the 1-based join position of id, or 0.
func (s *SessionSnapshot) PartyNumber(id interfaces.PartyID) int {
	for i, m := range s.Members {
		if m == id {
			return i + 1
		}
	}
	return 0
}

// WelcomeParams is the first notification on every connection.
type WelcomeParams struct {
	Identity     interfaces.PartyID     `json:"identity"`
	ConnectionID string                 `json:"connection_id"`
	ResumeToken  string                 `json:"resume_token,omitempty"`
	Resumed      bool                   `json:"resumed"`
	Sessions     []interfaces.SessionID `json:"sessions,omitempty"`
}

// PartyLeftParams reports a member leaving or losing its connection.
type PartyLeftParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
	Party     interfaces.PartyID   `json:"party"`
	Reason    string               `json:"reason"`
}

// PartyJoinedParams reports a member joining a draining session.
type PartyJoinedParams struct {
	SessionID   interfaces.SessionID `json:"session_id"`
	Party       interfaces.PartyID   `json:"party"`
	PartyNumber int                  `json:"party_number"`
}

// PartyRejoinedParams reports a departed member resuming.
type PartyRejoinedParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
	Party     interfaces.PartyID   `json:"party"`
}

// SessionEndedParams is carried by session-closed and session-aborted.
type SessionEndedParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
	Reason    string               `json:"reason,omitempty"`
}

// MessageParams carries a routed envelope.
type MessageParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
	Sender    interfaces.PartyID   `json:"sender"`
	Sequence  uint64               `json:"sequence"`
	Target    Target               `json:"target"`
	Payload   json.RawMessage      `json:"payload"`
}

// SupersededParams is sent to a connection evicted by a newer connection of
// the same identity, listing the memberships handed over.
type SupersededParams struct {
	Sessions []interfaces.SessionID `json:"sessions"`
}

// SequenceGapParams tells a sender that buffered envelopes were dropped
// because an earlier sequence number never arrived.
type SequenceGapParams struct {
	SessionID interfaces.SessionID `json:"session_id"`
	Expected  uint64               `json:"expected"`
	Dropped   []uint64             `json:"dropped"`
}
