package remote

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is an opaque token that never expires client side.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// JWTSource holds the driver's JWT. Claims are read without verifying the
// signature; the backend verifies it. An expired token is never sent.
type JWTSource struct {
	mu        sync.RWMutex
	raw       string
	subject   string
	expiresAt time.Time
	now       func() time.Time
}

// NewJWTSource parses raw and returns a source for it.
func NewJWTSource(raw string) (*JWTSource, error) {
	s := &JWTSource{now: time.Now}
	if err := s.Set(raw); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the token, for example after the shell refreshed the session.
func (s *JWTSource) Set(raw string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "parse bearer token", err)
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "read token subject", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "read token expiry", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	s.subject = subject
	s.expiresAt = time.Time{}
	if exp != nil {
		s.expiresAt = exp.Time
	}
	return nil
}

// Token returns the raw token, or AUTH_EXPIRED once its exp claim has passed.
func (s *JWTSource) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		return "", apperrors.New(apperrors.ErrAuthExpired, "bearer token expired at "+s.expiresAt.UTC().Format(time.RFC3339))
	}
	return s.raw, nil
}

// Subject returns the sub claim, normally the driver id.
func (s *JWTSource) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// ExpiresAt returns the exp claim, zero when absent.
func (s *JWTSource) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Credentials is the token source the client is built with. The shell can
// replace the token at runtime; JWTs keep their expiry check and anything
// else is sent as is.
type Credentials struct {
	mu  sync.RWMutex
	src TokenSource
}

// NewCredentials returns credentials with no token.
func NewCredentials() *Credentials {
	return &Credentials{src: StaticToken("")}
}

// Set installs raw and returns its JWT subject, empty for opaque tokens.
func (c *Credentials) Set(raw string) (string, error) {
	if raw == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "empty bearer token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if j, ok := c.src.(*JWTSource); ok {
		if err := j.Set(raw); err == nil {
			return j.Subject(), nil
		}
	} else if j, err := NewJWTSource(raw); err == nil {
		c.src = j
		return j.Subject(), nil
	}
	c.src = StaticToken(raw)
	return "", nil
}

// Token returns the current token.
func (c *Credentials) Token() (string, error) {
	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()
	return src.Token()
}

// Subject returns the sub claim of the current token, empty for opaque tokens.
func (c *Credentials) Subject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if j, ok := c.src.(*JWTSource); ok {
		return j.Subject()
	}
	return ""
}
