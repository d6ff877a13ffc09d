// Package history derives a user's recent call log from the immutable call
// records. It writes nothing; the lifecycle owns the rows.
package history

import (
	"context"
	"errors"
	"time"

	"call-service/internal/calls"
)

var ErrInvalidRequest = errors.New("history: invalid request")

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeMissed     Outcome = "missed"
	OutcomeDeclined   Outcome = "declined"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeInProgress Outcome = "in_progress"
)

// Entry is one row of a user's call log.
type Entry struct {
	CallID    string        `json:"call_id"`
	PeerID    string        `json:"peer_id"`
	Direction Direction     `json:"direction"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Summary aggregates a user's call log.
type Summary struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Missed    int           `json:"missed"`
	Declined  int           `json:"declined"`
	Cancelled int           `json:"cancelled"`
	TalkTime  time.Duration `json:"talk_time"`
}

const defaultLimit = 50

type Service struct {
	store calls.Store
}

func NewService(store calls.Store) *Service { return &Service{store: store} }

// ListRecent returns the user's calls newest first.
func (s *Service) ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.store.ListByParticipant(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, c := range rows {
		out = append(out, entryFor(c, userID))
	}
	return out, nil
}

func (s *Service) Summarize(ctx context.Context, userID string, limit int) (Summary, error) {
	entries, err := s.ListRecent(ctx, userID, limit)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, e := range entries {
		sum.Total++
		switch e.Outcome {
		case OutcomeCompleted:
			sum.Completed++
			sum.TalkTime += e.Duration
		case OutcomeMissed:
			sum.Missed++
		case OutcomeDeclined:
			sum.Declined++
		case OutcomeCancelled:
			sum.Cancelled++
		case OutcomeInProgress:
			// still live, not counted
		}
	}
	return sum, nil
}

func entryFor(c calls.Call, userID string) Entry {
	e := Entry{
		CallID:    c.ID,
		PeerID:    c.Peer(userID),
		Direction: DirectionOutgoing,
		StartedAt: c.CreatedAt,
	}
	if c.CalleeID == userID {
		e.Direction = DirectionIncoming
	}

	switch c.Status {
	case calls.StatusEnded:
		e.Outcome = OutcomeCompleted
	case calls.StatusMissed:
		e.Outcome = OutcomeMissed
	case calls.StatusDeclined:
		e.Outcome = OutcomeDeclined
	case calls.StatusCancelled:
		e.Outcome = OutcomeCancelled
	default:
		e.Outcome = OutcomeInProgress
	}

	if c.AcceptedAt != nil && c.EndedAt != nil {
		e.Duration = c.EndedAt.Sub(*c.AcceptedAt)
	}
	return e
}
