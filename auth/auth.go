// Package auth defines the authentication and authorization collaborator
// interfaces consumed by the session layer. Tokens are validated here,
// never issued.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token fails validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrForbidden is returned when an identity is denied access to a resource.
var ErrForbidden = errors.New("auth: forbidden")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Name   string
}

// TokenValidator resolves a short-lived bearer token to an identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// Authorizer decides whether an identity may access a channel's resource.
// A nil error means access is granted.
type Authorizer interface {
	Allow(ctx context.Context, id Identity, channel string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, id Identity, channel string) error

// Allow implements Authorizer.
func (f AuthorizerFunc) Allow(ctx context.Context, id Identity, channel string) error {
	return f(ctx, id, channel)
}

// AllowAll grants every identity access to every channel. It is the default
// when no authorization collaborator is configured.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, Identity, string) error { return nil })
}

// JWTValidator validates HMAC-signed JWTs issued by the platform's auth
// service. The subject claim becomes the user id.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator builds a validator for the given shared secret. issuer is
// optional; when set, tokens from other issuers are rejected.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer}
}

// Validate implements TokenValidator.
func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name, _ := claims["name"].(string)
	return Identity{UserID: sub, Name: name}, nil
}
