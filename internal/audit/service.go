package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records the call transition trail.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to app users.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.ToStatus == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records one attempted status transition.
func (s *Service) LogTransition(ctx context.Context, callID, actorUserID, from, to, reason string, allowed bool) error {
	return s.Append(ctx, Event{
		CallID:      callID,
		ActorUserID: actorUserID,
		FromStatus:  from,
		ToStatus:    to,
		Reason:      reason,
		Allowed:     allowed,
	})
}
