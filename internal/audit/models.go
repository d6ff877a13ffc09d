package audit

import "time"

// Event is an immutable, append-only audit record of one attempted call
// transition.
//
// Invariants:
// - Events are never updated or deleted.
// - Rejected attempts are recorded too; a transition bouncing off a terminal
//   state is an auditable fact, not a success.
// - Audit capture is best-effort; critical flows never block on it.
//
// Storage recommendation (Postgres):
// - Table call_audit_events with an INSERT-only policy.
// - Optional: partition by time for retention.

type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	// ActorUserID is the participant driving the transition; empty for
	// system transitions (ring-timeout sweep, watchdog).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status" db:"to_status"`
	Reason     string `json:"reason,omitempty" db:"reason"`

	// Allowed is false when the store or role guard rejected the attempt.
	Allowed bool `json:"allowed" db:"allowed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
