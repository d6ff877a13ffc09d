package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresCallAndStatus(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{ToStatus: "accepted"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallID: "c"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogTransition(context.Background(), "call-1", "user-1", "ringing", "accepted", "", true); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogTransition(context.Background(), "call-1", "user-2", "accepted", "accepted", "", false); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].ToStatus != "accepted" || !evs[0].Allowed {
		t.Fatalf("unexpected first event: %+v", evs[0])
	}
	if evs[1].Allowed {
		t.Fatalf("rejected attempt should be recorded as not allowed")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}
