package calls

import (
	"encoding/json"
	"time"
)

// Call is one durable attempt at a two-party session.
//
// Lifecycle invariant: status moves monotonically toward a terminal state and
// never leaves it. The store enforces at most one call in an active status
// per unordered (caller, callee) pair.
//
// NOTE: This is a domain model only. Devices keep no shared in-process state;
// the two participants synchronize exclusively through Call and Signal rows.

type Call struct {
	ID       string `json:"id" db:"id"`
	CallerID string `json:"caller_id" db:"caller_id"`
	CalleeID string `json:"callee_id" db:"callee_id"`

	Status CallStatus `json:"status" db:"status"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	// ClientVersion is a diagnostic tag set by the dialing client.
	ClientVersion string `json:"client_version,omitempty" db:"client_version"`
}

// HasParticipant reports whether userID is the caller or the callee.
func (c Call) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.CallerID || userID == c.CalleeID)
}

// Peer returns the other participant's id, or "" if userID is not on the call.
func (c Call) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}

type CallStatus string

const (
	StatusRinging   CallStatus = "ringing"
	StatusAccepted  CallStatus = "accepted"
	StatusDeclined  CallStatus = "declined"
	StatusMissed    CallStatus = "missed"
	StatusCancelled CallStatus = "cancelled"
	StatusEnded     CallStatus = "ended"
)

// Terminal reports whether status is final; no transition may leave it.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusDeclined, StatusMissed, StatusCancelled, StatusEnded:
		return true
	default:
		return false
	}
}

// Active statuses participate in the unordered-pair uniqueness constraint.
func (s CallStatus) Active() bool {
	return s == StatusRinging || s == StatusAccepted
}

// ActiveStatuses is the status set covered by the pair-uniqueness constraint.
func ActiveStatuses() []CallStatus {
	return []CallStatus{StatusRinging, StatusAccepted}
}

// Signal is one negotiation message between the two participants of a call.
// Signals are append-only and ordered by creation time per call. Consumers
// receive their own echoes and must filter by sender id.
type Signal struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	SenderID string `json:"sender_id" db:"sender_id"`
	// RecipientID empty means "the call's other party".
	RecipientID string `json:"recipient_id,omitempty" db:"recipient_id"`

	Type    SignalType      `json:"type" db:"type"`
	Payload json.RawMessage `json:"payload" db:"payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type SignalType string

const (
	SignalOffer       SignalType = "offer"
	SignalAnswer      SignalType = "answer"
	SignalICE         SignalType = "ice"
	SignalRenegotiate SignalType = "renegotiate"
	SignalHangup      SignalType = "hangup"
	// SignalControl is reserved on the wire; senders must not rely on the
	// remote side acting on it.
	SignalControl SignalType = "control"
)

// OfferLike signals must be applied before any ICE candidates buffered
// alongside them; the pre-accept queue drains these first.
func (t SignalType) OfferLike() bool {
	return t == SignalOffer || t == SignalRenegotiate
}

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICE, SignalRenegotiate, SignalHangup, SignalControl:
		return true
	default:
		return false
	}
}
