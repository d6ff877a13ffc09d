package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Callers and callees are identified by opaque user ids; the call core never
// interprets them beyond equality checks.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Device    string    `json:"device,omitempty"`
	TokenType TokenType `json:"token_type"`
}
