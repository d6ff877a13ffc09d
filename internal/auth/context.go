package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxDevice
)

func WithIdentity(ctx context.Context, userID, device string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxDevice, device)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

// Device returns the device tag from the token, if any. Optional; used for
// diagnostics only.
func Device(ctx context.Context) string {
	if s, ok := ctx.Value(ctxDevice).(string); ok {
		return s
	}
	return ""
}
