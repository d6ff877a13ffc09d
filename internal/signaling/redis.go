package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"call-service/internal/calls"
)

// RedisChannel fans signals out across instances over redis pub/sub.
// Each signal is persisted through the Store first, then published as JSON
// on call:{id}:signals, so a crash between the two steps loses the publish
// but never the row; late joiners recover it from SignalsSince.
type RedisChannel struct {
	store calls.Store
	rdb   *redis.Client
	log   *slog.Logger
}

func NewRedisChannel(store calls.Store, rdb *redis.Client, log *slog.Logger) *RedisChannel {
	if log == nil {
		log = slog.Default()
	}
	return &RedisChannel{store: store, rdb: rdb, log: log}
}

func signalTopic(callID string) string {
	return "call:" + callID + ":signals"
}

func (c *RedisChannel) Send(ctx context.Context, s calls.Signal) (calls.Signal, error) {
	stored, err := c.store.AppendSignal(ctx, s)
	if err != nil {
		return calls.Signal{}, err
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return calls.Signal{}, fmt.Errorf("marshal signal: %w", err)
	}
	if err := c.rdb.Publish(ctx, signalTopic(stored.CallID), body).Err(); err != nil {
		// The row is durable; subscribers that miss the publish backfill.
		c.log.Warn("signal publish failed", "call_id", stored.CallID, "error", err)
	}
	return stored, nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, callID string, fn func(calls.Signal)) (Unsubscribe, error) {
	ps := c.rdb.Subscribe(ctx, signalTopic(callID))
	// Force the SUBSCRIBE round trip so callers know the stream is live
	// before they backfill.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", signalTopic(callID), err)
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var s calls.Signal
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				c.log.Warn("dropping malformed signal", "call_id", callID, "error", err)
				continue
			}
			fn(s)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
		})
	}, nil
}

var _ Channel = (*RedisChannel)(nil)
