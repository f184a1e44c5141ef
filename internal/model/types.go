package model

import "time"

type Identity struct {
	ID          string
	Email       string
	DisplayName string
}

// Peer is the projection of an identity that is shown to other users.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func (i Identity) Peer() Peer {
	return Peer{ID: i.ID, DisplayName: i.DisplayName}
}

type PresenceRecord struct {
	Identity     Identity
	ProcessID    string
	ConnectionID string
	Available    bool
	LastSeen     time.Time
}

type SessionState string

const (
	StatePending SessionState = "pending"
	StateActive  SessionState = "active"
	StateEnded   SessionState = "ended"
)

type CallSession struct {
	ID        string
	CallerID  string
	CalleeID  string
	State     SessionState
	CreatedAt time.Time
}

func (s CallSession) Has(identityID string) bool {
	return identityID != "" && (s.CallerID == identityID || s.CalleeID == identityID)
}

// Peer returns the other participant, or "" if identityID is not a participant.
func (s CallSession) Peer(identityID string) string {
	switch identityID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	default:
		return ""
	}
}

type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
)

func (k SignalKind) Event() string {
	return "signal." + string(k)
}
