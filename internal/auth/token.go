// Package auth supplies bearer tokens for the scan engine API. The session
// provider itself is external; this package only abstracts "give me a usable
// access token" so the stream session and REST client stay testable.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken indicates no access token is currently obtainable. Callers
// treat this like a transient failure: a token may appear after the user
// re-authenticates.
var ErrNoToken = errors.New("no access token available")

// TokenSource yields the bearer token for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RefreshFunc fetches a fresh token from the session provider.
type RefreshFunc func(ctx context.Context) (string, error)

type staticTokenSource struct {
	token string
}

// StaticTokenSource returns a source that always yields the given token,
// or ErrNoToken when it is blank.
func StaticTokenSource(token string) TokenSource {
	return &staticTokenSource{token: strings.TrimSpace(token)}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// CachedTokenSource wraps a RefreshFunc and reuses the fetched token until
// shortly before it expires. Expiry is read from the JWT exp claim without
// verifying the signature (verification is the server's job; we only need
// the timestamp). Tokens without a readable exp claim are cached for
// fallbackTTL.
type CachedTokenSource struct {
	refresh     RefreshFunc
	leeway      time.Duration
	fallbackTTL time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewCachedTokenSource(refresh RefreshFunc) *CachedTokenSource {
	return &CachedTokenSource{
		refresh:     refresh,
		leeway:      30 * time.Second,
		fallbackTTL: 5 * time.Minute,
	}
}

func (c *CachedTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expires.Add(-c.leeway)) {
		return c.token, nil
	}

	token, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoToken
	}

	c.token = token
	c.expires = tokenExpiry(token, c.fallbackTTL)
	return token, nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (c *CachedTokenSource) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expires = time.Time{}
	c.mu.Unlock()
}

func tokenExpiry(token string, fallbackTTL time.Duration) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(fallbackTTL)
}
