package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrUnknownUser = errors.New("dispatch: unknown user")

// RedisDirectory stores the two user facts the dispatcher needs: a display
// name for the alert and the device push token. Both are written by the
// profile and device-registration endpoints.
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func nameKey(userID string) string  { return "user:" + userID + ":name" }
func tokenKey(userID string) string { return "user:" + userID + ":push_token" }

func (d *RedisDirectory) SetDisplayName(ctx context.Context, userID, name string) error {
	if err := d.rdb.Set(ctx, nameKey(userID), name, 0).Err(); err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

func (d *RedisDirectory) SetPushToken(ctx context.Context, userID, token string) error {
	if err := d.rdb.Set(ctx, tokenKey(userID), token, 0).Err(); err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	return nil
}

func (d *RedisDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := d.rdb.Get(ctx, nameKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("display name lookup: %w", err)
	}
	return name, nil
}

func (d *RedisDirectory) PushToken(ctx context.Context, userID string) (string, error) {
	token, err := d.rdb.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("push token lookup: %w", err)
	}
	return token, nil
}

var _ Directory = (*RedisDirectory)(nil)
