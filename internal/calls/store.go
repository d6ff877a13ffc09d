package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("active call already exists for pair")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition: the call is terminal or the requested move is
	// not legal from its current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotParticipant: the acting user is not on the call at all.
	ErrNotParticipant = errors.New("not a call participant")

	// ErrWrongParty: the acting user is on the call but may not make this
	// transition (e.g. the caller declining).
	ErrWrongParty = errors.New("wrong party for transition")
)

// Store is the durable, versioned record of each call; the single source of
// truth for call lifecycle. Implementations must enforce the unordered-pair
// active-uniqueness constraint on Insert and the from-status guard on
// UpdateStatus.
type Store interface {
	// Insert persists a new ringing call. Returns ErrConflict when an
	// active call already exists between the pair (either direction).
	Insert(ctx context.Context, c Call) (Call, error)

	Get(ctx context.Context, id string) (Call, error)

	// FindActiveBetween returns the active call between two users in
	// either direction, or ErrNotFound.
	FindActiveBetween(ctx context.Context, userA, userB string) (Call, error)

	// UpdateStatus performs a guarded transition: the row must currently
	// be in one of from, otherwise ErrInvalidTransition. The store stamps
	// updated_at, accepted_at (on accept) and ended_at (on any terminal
	// status).
	UpdateStatus(ctx context.Context, id string, from []CallStatus, to CallStatus, reason string) (Call, error)

	// ListRingingBefore returns ringing calls created at or before cutoff,
	// for the missed-call sweeper.
	ListRingingBefore(ctx context.Context, cutoff time.Time) ([]Call, error)

	// ListByParticipant returns calls where the user is caller or callee,
	// newest first, up to limit.
	ListByParticipant(ctx context.Context, userID string, limit int) ([]Call, error)

	// AppendSignal persists one signal row, assigning id and created_at.
	AppendSignal(ctx context.Context, s Signal) (Signal, error)

	// SignalsSince returns signals for a call created after since, in
	// creation order. Late subscribers backfill with this.
	SignalsSince(ctx context.Context, callID string, since time.Time) ([]Signal, error)
}

// Filter selects which call events a subscriber receives. Explicit fields,
// never encoded into topic strings.
type Filter struct {
	// CallID limits events to one call.
	CallID string
	// CalleeID limits events to calls where the user is the callee.
	CalleeID string
}

func (f Filter) matches(c Call) bool {
	if f.CallID != "" && c.ID != f.CallID {
		return false
	}
	if f.CalleeID != "" && c.CalleeID != f.CalleeID {
		return false
	}
	return true
}

// Handler receives call change events. Either callback may be nil.
type Handler struct {
	OnInsert func(Call)
	OnUpdate func(Call)
}

// Watcher delivers call change events to subscribers. The returned cancel
// function is idempotent.
type Watcher interface {
	Subscribe(f Filter, h Handler) (cancel func())
}
