package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-service/pkg/logger"
)

// Lifecycle owns call status transitions and is the only writer of call rows.
//
// Role invariants (enforced here, not trusted to clients):
// - only the callee may accept or decline
// - only the caller may cancel
// - either participant may end an accepted call
// - missed is a system transition driven by the ring-timeout sweeper
//
// Transient write failures are the caller's problem to retry; this service is
// a thin guarded wrapper over the store with no internal retry.
type Lifecycle struct {
	store   Store
	auditor Auditor
	tracker ActiveTracker

	// clientVersion tags rows created by this process build.
	clientVersion string
}

// Auditor records every attempted transition, including rejected ones.
// Implementations must be best-effort; lifecycle never fails on audit errors.
type Auditor interface {
	RecordTransition(ctx context.Context, callID, actorID string, from, to CallStatus, reason string, allowed bool)
}

// ActiveTracker is notified when a call enters or leaves the accepted state.
// The registry implements this; it is the redesigned owner of the process's
// "is there an active call" answer.
type ActiveTracker interface {
	CallAccepted(c Call)
	CallTerminal(c Call)
}

type LifecycleOption func(*Lifecycle)

func WithAuditor(a Auditor) LifecycleOption {
	return func(l *Lifecycle) { l.auditor = a }
}

func WithActiveTracker(t ActiveTracker) LifecycleOption {
	return func(l *Lifecycle) { l.tracker = t }
}

func WithClientVersion(v string) LifecycleOption {
	return func(l *Lifecycle) { l.clientVersion = v }
}

func NewLifecycle(store Store, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{store: store}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreateOutgoing inserts a new ringing call from caller to callee. When an
// active call already exists for the pair, the existing call is returned
// instead of an error, so double-dials converge on one call.
func (l *Lifecycle) CreateOutgoing(ctx context.Context, callerID, calleeID string) (Call, error) {
	if callerID == "" || calleeID == "" {
		return Call{}, ErrInvalidArgument
	}
	if callerID == calleeID {
		return Call{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}

	c, err := l.store.Insert(ctx, Call{
		CallerID:      callerID,
		CalleeID:      calleeID,
		Status:        StatusRinging,
		ClientVersion: l.clientVersion,
	})
	if err == nil {
		l.record(ctx, c.ID, callerID, "", StatusRinging, "", true)
		return c, nil
	}
	if !errors.Is(err, ErrConflict) {
		return Call{}, err
	}

	existing, findErr := l.store.FindActiveBetween(ctx, callerID, calleeID)
	if findErr != nil {
		// The conflicting call vanished between insert and re-read;
		// surface the original conflict.
		return Call{}, err
	}
	logger.From(ctx).Debug("dial converged on existing call",
		"call_id", existing.ID, "status", existing.Status)
	return existing, nil
}

func (l *Lifecycle) Get(ctx context.Context, callID string) (Call, error) {
	return l.store.Get(ctx, callID)
}

// Accept moves ringing → accepted. Callee only.
func (l *Lifecycle) Accept(ctx context.Context, callID, actorID string) (Call, error) {
	return l.transition(ctx, callID, actorID, roleCallee, []CallStatus{StatusRinging}, StatusAccepted, "")
}

// Decline moves ringing → declined. Callee only.
func (l *Lifecycle) Decline(ctx context.Context, callID, actorID string) (Call, error) {
	return l.transition(ctx, callID, actorID, roleCallee, []CallStatus{StatusRinging}, StatusDeclined, "")
}

// Cancel moves ringing → cancelled. Caller only.
func (l *Lifecycle) Cancel(ctx context.Context, callID, actorID string) (Call, error) {
	return l.transition(ctx, callID, actorID, roleCaller, []CallStatus{StatusRinging}, StatusCancelled, "")
}

// End moves accepted → ended. Either participant.
func (l *Lifecycle) End(ctx context.Context, callID, actorID, reason string) (Call, error) {
	return l.transition(ctx, callID, actorID, roleEither, []CallStatus{StatusAccepted}, StatusEnded, reason)
}

// ForceEnd moves accepted → ended without an acting participant. System
// transition used when connectivity is lost and no hangup ever arrives.
func (l *Lifecycle) ForceEnd(ctx context.Context, callID, reason string) (Call, error) {
	c, err := l.store.UpdateStatus(ctx, callID, []CallStatus{StatusAccepted}, StatusEnded, reason)
	l.record(ctx, callID, "", StatusAccepted, StatusEnded, reason, err == nil)
	if err != nil {
		return Call{}, err
	}
	l.notifyTracker(c)
	return c, nil
}

// Signals returns the persisted signals for a call created after since.
func (l *Lifecycle) Signals(ctx context.Context, callID string, since time.Time) ([]Signal, error) {
	if _, err := l.store.Get(ctx, callID); err != nil {
		return nil, err
	}
	return l.store.SignalsSince(ctx, callID, since)
}

// Miss moves ringing → missed. System transition; no acting participant.
func (l *Lifecycle) Miss(ctx context.Context, callID string) (Call, error) {
	c, err := l.store.UpdateStatus(ctx, callID, []CallStatus{StatusRinging}, StatusMissed, "ring_timeout")
	l.record(ctx, callID, "", StatusRinging, StatusMissed, "ring_timeout", err == nil)
	if err != nil {
		return Call{}, err
	}
	l.notifyTracker(c)
	return c, nil
}

type role int

const (
	roleEither role = iota
	roleCaller
	roleCallee
)

func (l *Lifecycle) transition(ctx context.Context, callID, actorID string, who role, from []CallStatus, to CallStatus, reason string) (Call, error) {
	if callID == "" || actorID == "" {
		return Call{}, ErrInvalidArgument
	}

	current, err := l.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}

	if err := checkParty(current, actorID, who); err != nil {
		l.record(ctx, callID, actorID, current.Status, to, reason, false)
		return Call{}, err
	}

	updated, err := l.store.UpdateStatus(ctx, callID, from, to, reason)
	l.record(ctx, callID, actorID, current.Status, to, reason, err == nil)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Terminal states stay terminal; the duplicate attempt is
			// visible in logs, never silently reported as success.
			logger.From(ctx).Warn("rejected status transition",
				"call_id", callID, "actor_id", actorID,
				"status", current.Status, "requested", to)
		}
		return Call{}, err
	}

	l.notifyTracker(updated)
	return updated, nil
}

func checkParty(c Call, actorID string, who role) error {
	if !c.HasParticipant(actorID) {
		return ErrNotParticipant
	}
	switch who {
	case roleCaller:
		if actorID != c.CallerID {
			return fmt.Errorf("%w: only the caller may do this", ErrWrongParty)
		}
	case roleCallee:
		if actorID != c.CalleeID {
			return fmt.Errorf("%w: only the callee may do this", ErrWrongParty)
		}
	}
	return nil
}

func (l *Lifecycle) notifyTracker(c Call) {
	if l.tracker == nil {
		return
	}
	if c.Status == StatusAccepted {
		l.tracker.CallAccepted(c)
	}
	if c.Status.Terminal() {
		l.tracker.CallTerminal(c)
	}
}

func (l *Lifecycle) record(ctx context.Context, callID, actorID string, from, to CallStatus, reason string, allowed bool) {
	if l.auditor == nil {
		return
	}
	l.auditor.RecordTransition(ctx, callID, actorID, from, to, reason, allowed)
}

// SweepMissed drives ringing calls older than ringTimeout to missed. Run
// periodically; each sweep is independent and failures only affect the one
// call being swept.
func (l *Lifecycle) SweepMissed(ctx context.Context, ringTimeout time.Duration, now time.Time) int {
	stale, err := l.store.ListRingingBefore(ctx, now.Add(-ringTimeout))
	if err != nil {
		logger.From(ctx).Error("missed-call sweep failed", "err", err)
		return 0
	}

	swept := 0
	for _, c := range stale {
		if _, err := l.Miss(ctx, c.ID); err != nil {
			// Someone answered or hung up mid-sweep; nothing to do.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			logger.From(ctx).Error("failed to mark call missed", "call_id", c.ID, "err", err)
			continue
		}
		swept++
	}
	return swept
}
