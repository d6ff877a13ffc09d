package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local runs. It enforces the
// same invariants as the Postgres repo: active-pair uniqueness on insert and
// guarded status transitions.
type MemoryStore struct {
	mu      sync.Mutex
	calls   map[string]Call
	signals map[string][]Signal

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:   make(map[string]Call),
		signals: make(map[string][]Signal),
		clock:   time.Now,
	}
}

// SetClock overrides the timestamp source. Test use only.
func (m *MemoryStore) SetClock(fn func() time.Time) { m.clock = fn }

func (m *MemoryStore) Insert(ctx context.Context, c Call) (Call, error) {
	if c.CallerID == "" || c.CalleeID == "" || c.CallerID == c.CalleeID {
		return Call{}, ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.calls {
		if !existing.Status.Active() {
			continue
		}
		if samePair(existing, c.CallerID, c.CalleeID) {
			return Call{}, ErrConflict
		}
	}

	now := m.clock().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusRinging
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	m.calls[c.ID] = c
	return c, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) FindActiveBetween(ctx context.Context, userA, userB string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found Call
	var ok bool
	for _, c := range m.calls {
		if c.Status.Active() && samePair(c, userA, userB) {
			// Newest wins if the constraint was ever violated.
			if !ok || c.CreatedAt.After(found.CreatedAt) {
				found = c
				ok = true
			}
		}
	}
	if !ok {
		return Call{}, ErrNotFound
	}
	return found, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from []CallStatus, to CallStatus, reason string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return Call{}, ErrInvalidTransition
	}

	now := m.clock().UTC()
	c.Status = to
	c.UpdatedAt = now
	if reason != "" {
		c.EndReason = reason
	}
	if to == StatusAccepted {
		at := now
		c.AcceptedAt = &at
	}
	if to.Terminal() {
		at := now
		c.EndedAt = &at
	}
	m.calls[id] = c
	return c, nil
}

func (m *MemoryStore) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Call
	for _, c := range m.calls {
		if c.Status == StatusRinging && !c.CreatedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]Call, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Call
	for _, c := range m.calls {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendSignal(ctx context.Context, s Signal) (Signal, error) {
	if s.CallID == "" || s.SenderID == "" || !s.Type.Valid() {
		return Signal{}, ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[s.CallID]; !ok {
		return Signal{}, ErrNotFound
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = m.clock().UTC()
	m.signals[s.CallID] = append(m.signals[s.CallID], s)
	return s, nil
}

func (m *MemoryStore) SignalsSince(ctx context.Context, callID string, since time.Time) ([]Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Signal
	for _, s := range m.signals[callID] {
		if s.CreatedAt.After(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func samePair(c Call, userA, userB string) bool {
	return (c.CallerID == userA && c.CalleeID == userB) ||
		(c.CallerID == userB && c.CalleeID == userA)
}

func statusIn(s CallStatus, set []CallStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
