// Package auth supplies the bearer credential attached to REST calls and the
// real-time channel handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth marks a missing or unusable credential. It is fatal to a booking
// session; the user must log in again.
var ErrAuth = errors.New("auth: missing or invalid token")

// TokenSource resolves the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenStore is a TokenSource that can also persist and forget tokens.
type TokenStore interface {
	TokenSource
	Save(ctx context.Context, token string, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// StaticToken is a fixed token, mostly for tests and one-shot CLI runs.
type StaticToken string

// Token returns the token or ErrAuth when it is blank.
func (s StaticToken) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrAuth
	}
	return tok, nil
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Token(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", ErrAuth
	}
	if !m.expires.IsZero() && !m.now().Before(m.expires) {
		return "", fmt.Errorf("%w: stored token expired", ErrAuth)
	}
	return m.token, nil
}

func (m *MemoryStore) Save(_ context.Context, token string, ttl time.Duration) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: refusing to store empty token", ErrAuth)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expires = time.Time{}
	if ttl > 0 {
		m.expires = m.now().Add(ttl)
	}
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expires = time.Time{}
	return nil
}

// Validate performs client-side pre-flight checks on a token. Opaque tokens
// pass through untouched because the server is the only real judge; JWTs are
// decoded without verification so an already-expired credential is rejected
// before a connection is attempted.
func Validate(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrAuth
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("%w: malformed jwt: %v", ErrAuth, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrAuth, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// Subject returns the JWT subject (the user id the server issued the token
// for), or "" for opaque tokens.
func Subject(token string) string {
	if strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Resolve fetches a token from src and validates it. Only a missing or
// unusable token is ErrAuth; a store that cannot be read is a plain error the
// caller may retry.
func Resolve(ctx context.Context, src TokenSource) (string, error) {
	if src == nil {
		return "", fmt.Errorf("%w: no token source configured", ErrAuth)
	}
	token, err := src.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return "", err
		}
		return "", fmt.Errorf("auth: resolve token: %w", err)
	}
	if err := Validate(token, time.Now()); err != nil {
		return "", err
	}
	return token, nil
}
