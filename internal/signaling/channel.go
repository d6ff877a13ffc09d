// Package signaling delivers negotiation messages between the two
// participants of one call.
//
// Delivery contract: at-least-once, best-effort ordered (ordering follows
// write order at the store, not network delivery), and subscribers receive
// every signal on the call including their own echoes; the channel has no
// concept of "self", so consumers filter by sender id. Nothing sent before a
// subscription is active is delivered over the channel; late subscribers
// backfill from the persisted rows via Store.SignalsSince.
package signaling

import (
	"context"

	"call-service/internal/calls"
)

// Unsubscribe tears down one subscription. Idempotent.
type Unsubscribe func()

type Channel interface {
	// Send persists and publishes one signal, returning it with id and
	// created_at assigned.
	Send(ctx context.Context, s calls.Signal) (calls.Signal, error)

	// Subscribe invokes fn for every new signal on callID until the
	// returned Unsubscribe is called. fn runs on the channel's delivery
	// goroutine and must not block.
	Subscribe(ctx context.Context, callID string, fn func(calls.Signal)) (Unsubscribe, error)
}
