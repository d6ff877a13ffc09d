package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence tracks realtime reachability with per-user keys that expire
// on their own. A user is reachable while their connection keeps the key
// refreshed; a killed process simply stops heartbeating and the key ages
// out within the TTL.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

// Heartbeat refreshes the user's presence key. Called on websocket connect
// and periodically while the connection lives.
func (p *RedisPresence) Heartbeat(ctx context.Context, userID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := p.rdb.Set(ctx, presenceKey(userID), now, p.ttl).Err(); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

// Clear drops the key immediately on clean disconnect.
func (p *RedisPresence) Clear(ctx context.Context, userID string) error {
	if err := p.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}

func (p *RedisPresence) IsReachable(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return n > 0, nil
}

var _ Presence = (*RedisPresence)(nil)
