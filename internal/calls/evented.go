package calls

import (
	"context"
	"sync"
)

// EventedStore decorates a Store with in-process change fan-out, giving the
// dispatcher and call screens a subscription feed without coupling the repos
// to eventing. All lifecycle writes in this process go through it, so every
// successful insert/update reaches subscribers.
//
// Callbacks run synchronously on the writer's goroutine; subscribers must not
// block.
type EventedStore struct {
	Store

	mu   sync.Mutex
	next int
	subs map[int]subscription
}

type subscription struct {
	filter  Filter
	handler Handler
}

func NewEventedStore(inner Store) *EventedStore {
	return &EventedStore{
		Store: inner,
		subs:  make(map[int]subscription),
	}
}

func (e *EventedStore) Insert(ctx context.Context, c Call) (Call, error) {
	out, err := e.Store.Insert(ctx, c)
	if err != nil {
		return out, err
	}
	e.fanOut(out, true)
	return out, nil
}

func (e *EventedStore) UpdateStatus(ctx context.Context, id string, from []CallStatus, to CallStatus, reason string) (Call, error) {
	out, err := e.Store.UpdateStatus(ctx, id, from, to, reason)
	if err != nil {
		return out, err
	}
	e.fanOut(out, false)
	return out, nil
}

func (e *EventedStore) Subscribe(f Filter, h Handler) (cancel func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = subscription{filter: f, handler: h}
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *EventedStore) fanOut(c Call, inserted bool) {
	e.mu.Lock()
	targets := make([]subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.filter.matches(c) {
			targets = append(targets, s)
		}
	}
	e.mu.Unlock()

	for _, s := range targets {
		if inserted {
			if s.handler.OnInsert != nil {
				s.handler.OnInsert(c)
			}
		} else if s.handler.OnUpdate != nil {
			s.handler.OnUpdate(c)
		}
	}
}

var _ Store = (*EventedStore)(nil)
var _ Watcher = (*EventedStore)(nil)
