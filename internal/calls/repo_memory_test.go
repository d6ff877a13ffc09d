package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_ActivePairUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Insert(ctx, Call{CallerID: "a", CalleeID: "b"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.Status != StatusRinging {
		t.Fatalf("expected ringing default, got %q", first.Status)
	}

	if _, err := s.Insert(ctx, Call{CallerID: "a", CalleeID: "b"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Reverse direction conflicts too: the constraint is over the
	// unordered pair.
	if _, err := s.Insert(ctx, Call{CallerID: "b", CalleeID: "a"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected reverse-direction conflict, got %v", err)
	}

	// Terminal calls free the pair.
	if _, err := s.UpdateStatus(ctx, first.ID, []CallStatus{StatusRinging}, StatusDeclined, ""); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := s.Insert(ctx, Call{CallerID: "b", CalleeID: "a"}); err != nil {
		t.Fatalf("expected insert after terminal, got %v", err)
	}
}

func TestMemoryStore_GuardedTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c, _ := s.Insert(ctx, Call{CallerID: "a", CalleeID: "b"})

	accepted, err := s.UpdateStatus(ctx, c.ID, []CallStatus{StatusRinging}, StatusAccepted, "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.AcceptedAt == nil {
		t.Fatalf("expected accepted_at stamped")
	}

	// Guard rejects a second accept.
	if _, err := s.UpdateStatus(ctx, c.ID, []CallStatus{StatusRinging}, StatusAccepted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	ended, err := s.UpdateStatus(ctx, c.ID, []CallStatus{StatusAccepted}, StatusEnded, "connection_lost")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.EndedAt == nil || ended.EndReason != "connection_lost" {
		t.Fatalf("expected ended_at and reason, got %+v", ended)
	}

	// Terminal is forever.
	if _, err := s.UpdateStatus(ctx, c.ID, []CallStatus{StatusRinging, StatusAccepted}, StatusAccepted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal to stay terminal, got %v", err)
	}
}

func TestMemoryStore_FindActiveBetween(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c, _ := s.Insert(ctx, Call{CallerID: "a", CalleeID: "b"})

	got, err := s.FindActiveBetween(ctx, "b", "a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("expected %s, got %s", c.ID, got.ID)
	}

	if _, err := s.FindActiveBetween(ctx, "a", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_SignalsAppendOnlyOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Unix(1700000000, 0).UTC()
	s.SetClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})

	c, _ := s.Insert(ctx, Call{CallerID: "a", CalleeID: "b"})

	for _, typ := range []SignalType{SignalOffer, SignalICE, SignalICE} {
		payload, _ := EncodePayload(SDPPayload{SDP: "x"})
		if typ == SignalICE {
			payload, _ = EncodePayload(ICEPayload{Candidate: "candidate:1"})
		}
		if _, err := s.AppendSignal(ctx, Signal{CallID: c.ID, SenderID: "a", Type: typ, Payload: payload}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	sigs, err := s.SignalsSince(ctx, c.ID, time.Time{})
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(sigs) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(sigs))
	}
	for i := 1; i < len(sigs); i++ {
		if sigs[i].CreatedAt.Before(sigs[i-1].CreatedAt) {
			t.Fatalf("signals out of order")
		}
	}

	// Backfill from a midpoint skips earlier rows.
	later, err := s.SignalsSince(ctx, c.ID, sigs[0].CreatedAt)
	if err != nil {
		t.Fatalf("since midpoint: %v", err)
	}
	if len(later) != 2 {
		t.Fatalf("expected 2 signals after midpoint, got %d", len(later))
	}
}

func TestMemoryStore_AppendSignalRequiresCall(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	payload, _ := EncodePayload(HangupPayload{})
	if _, err := s.AppendSignal(ctx, Signal{CallID: "nope", SenderID: "a", Type: SignalHangup, Payload: payload}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventedStore_FanOutAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewEventedStore(NewMemoryStore())

	var inserts, updates []Call
	cancel := s.Subscribe(Filter{CalleeID: "b"}, Handler{
		OnInsert: func(c Call) { inserts = append(inserts, c) },
		OnUpdate: func(c Call) { updates = append(updates, c) },
	})
	defer cancel()

	c, err := s.Insert(ctx, Call{CallerID: "a", CalleeID: "b"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A call to someone else does not reach this subscriber.
	if _, err := s.Insert(ctx, Call{CallerID: "a", CalleeID: "c"}); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	if _, err := s.UpdateStatus(ctx, c.ID, []CallStatus{StatusRinging}, StatusDeclined, ""); err != nil {
		t.Fatalf("decline: %v", err)
	}

	if len(inserts) != 1 || inserts[0].ID != c.ID {
		t.Fatalf("expected 1 filtered insert, got %d", len(inserts))
	}
	if len(updates) != 1 || updates[0].Status != StatusDeclined {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}

	cancel()
	if _, err := s.Insert(ctx, Call{CallerID: "x", CalleeID: "b"}); err != nil {
		t.Fatalf("insert after cancel: %v", err)
	}
	if len(inserts) != 1 {
		t.Fatalf("cancelled subscriber must not receive events")
	}
}
