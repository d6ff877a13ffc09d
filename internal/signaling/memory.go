package signaling

import (
	"context"
	"sync"

	"call-service/internal/calls"
)

// MemoryChannel is an in-process Channel backed by a Store for
// persistence. Suitable for tests and single-instance deployments.
type MemoryChannel struct {
	store calls.Store

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(calls.Signal)
}

func NewMemoryChannel(store calls.Store) *MemoryChannel {
	return &MemoryChannel{
		store: store,
		subs:  make(map[string]map[int]func(calls.Signal)),
	}
}

func (c *MemoryChannel) Send(ctx context.Context, s calls.Signal) (calls.Signal, error) {
	stored, err := c.store.AppendSignal(ctx, s)
	if err != nil {
		return calls.Signal{}, err
	}

	c.mu.Lock()
	fns := make([]func(calls.Signal), 0, len(c.subs[stored.CallID]))
	for _, fn := range c.subs[stored.CallID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(stored)
	}
	return stored, nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, callID string, fn func(calls.Signal)) (Unsubscribe, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[callID] == nil {
		c.subs[callID] = make(map[int]func(calls.Signal))
	}
	c.subs[callID][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[callID], id)
			if len(c.subs[callID]) == 0 {
				delete(c.subs, callID)
			}
		})
	}, nil
}

var _ Channel = (*MemoryChannel)(nil)
