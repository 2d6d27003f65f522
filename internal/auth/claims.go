package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// OperatorID binds the CRM user to the operator record their calls run under;
// it is empty for users (admins, integrations) who never sit on calls.
type Claims struct {
	jwt.RegisteredClaims

	UserID     string    `json:"user_id"`
	OperatorID string    `json:"operator_id,omitempty"`
	Role       string    `json:"role"`
	TokenType  TokenType `json:"token_type"`
}
