package fhirclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialSource decorates an outgoing request with credentials. It is only
// consulted once a server has challenged an anonymous request.
type CredentialSource interface {
	Apply(req *http.Request) error
}

// BearerCredentials sends a static bearer token. When the token is a JWT its
// exp claim is read (without verification) so an expired token fails locally
// instead of producing another 401 round trip.
type BearerCredentials struct {
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewBearerCredentials wraps token. Opaque (non-JWT) tokens are accepted and
// never expire locally.
func NewBearerCredentials(token string) (*BearerCredentials, error) {
	if token == "" {
		return nil, fmt.Errorf("bearer token is empty")
	}
	b := &BearerCredentials{token: token, now: time.Now}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return b, nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("read token expiry: %w", err)
	}
	if exp != nil {
		b.expiresAt = exp.Time
	}
	return b, nil
}

// ExpiresAt returns the token expiry, or the zero time when unknown.
func (b *BearerCredentials) ExpiresAt() time.Time {
	return b.expiresAt
}

func (b *BearerCredentials) Apply(req *http.Request) error {
	if !b.expiresAt.IsZero() && !b.now().Before(b.expiresAt) {
		return fmt.Errorf("bearer token expired at %s: %w", b.expiresAt.Format(time.RFC3339), ErrAuthRequired)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	return nil
}
