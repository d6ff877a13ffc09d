// Package registry owns the process-wide answer to "is this user on a call".
// It replaces ad hoc cross-screen mutable state: one Registry value is
// constructed at startup, handed by reference to whatever needs to read it,
// and written only by the call lifecycle's transitions into and out of the
// accepted state.
package registry

import (
	"sync"
	"time"

	"call-service/internal/calls"
)

// ActiveCall is the minimal snapshot a "return to call" surface needs.
type ActiveCall struct {
	CallID    string    `json:"call_id"`
	PeerID    string    `json:"peer_id"`
	StartedAt time.Time `json:"started_at"`
}

type Registry struct {
	mu sync.RWMutex
	// keyed by participant user id; both parties of an accepted call get
	// an entry.
	active map[string]ActiveCall
}

func New() *Registry {
	return &Registry{active: make(map[string]ActiveCall)}
}

// CallAccepted records the call as active for both participants.
func (r *Registry) CallAccepted(c calls.Call) {
	startedAt := c.UpdatedAt
	if c.AcceptedAt != nil {
		startedAt = *c.AcceptedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[c.CallerID] = ActiveCall{CallID: c.ID, PeerID: c.CalleeID, StartedAt: startedAt}
	r.active[c.CalleeID] = ActiveCall{CallID: c.ID, PeerID: c.CallerID, StartedAt: startedAt}
}

// CallTerminal clears the call for both participants. Entries belonging to a
// different call id are left alone; a user may already be on a newer call.
func (r *Registry) CallTerminal(c calls.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range []string{c.CallerID, c.CalleeID} {
		if cur, ok := r.active[uid]; ok && cur.CallID == c.ID {
			delete(r.active, uid)
		}
	}
}

// Active returns the user's current call, if any.
func (r *Registry) Active(userID string) (ActiveCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ac, ok := r.active[userID]
	return ac, ok
}

var _ calls.ActiveTracker = (*Registry)(nil)
