// Package auth defines the authentication surface of the request
// pipeline. Token verification is an external concern: the pipeline
// consumes the validated principal and nothing else.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken is returned by validators for tokens that fail
// validation for any reason.
var ErrInvalidToken = errors.New("invalid bearer token")

// Principal is the validated identity of a request.
type Principal struct {
	// Subject of the token, typically the user id or email.
	Subject string

	// TenantID claimed by the token. May be empty, the
	// authoritative tenant is the one resolved from the URL slug.
	TenantID string

	// Roles granted to the principal.
	Roles []string
}

// TokenValidator validates a bearer token and extracts the principal.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// JWTValidator validates JWT bearer tokens with a caller-provided key
// function. Key discovery (issuer configuration, JWKS) stays outside
// the gateway core.
type JWTValidator struct {
	keyFunc jwt.Keyfunc
	parser  *jwt.Parser
}

// Claims carried by gateway tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func NewJWTValidator(keyFunc jwt.Keyfunc) *JWTValidator {
	return &JWTValidator{
		keyFunc: keyFunc,
		parser:  jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"})),
	}
}

// Validate parses and verifies the token and maps its claims to a
// Principal.
func (v *JWTValidator) Validate(_ context.Context, token string) (*Principal, error) {
	var claims Claims
	t, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid {
		return nil, ErrInvalidToken
	}

	return &Principal{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
	}, nil
}
