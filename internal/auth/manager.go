// Package auth owns the bearer credential used against the remote API.
//
// A Manager holds one token and the time it was issued. EnsureValid signs in
// when there is no token or the token is older than the refresh interval.
// Sign-in tries the primary authenticator and falls back to the secondary
// one; concurrent callers share a single sign-in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/logger"
)

// ErrAuth is matched by every credential acquisition failure.
var ErrAuth = errors.New("authentication failed")

// Error reports that both the primary and the fallback sign-in failed.
type Error struct {
	Primary  error
	Fallback error
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *Error) Unwrap() []error {
	return []error{ErrAuth, e.Primary, e.Fallback}
}

// Token is the result of a successful sign-in.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Authenticator obtains a fresh token.
type Authenticator interface {
	SignIn(ctx context.Context) (Token, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (Token, error)

func (f AuthenticatorFunc) SignIn(ctx context.Context) (Token, error) { return f(ctx) }

// Manager is safe for concurrent use.
type Manager struct {
	primary  Authenticator
	fallback Authenticator
	interval time.Duration
	now      func() time.Time
	logger   *logger.Logger

	group singleflight.Group

	mu       sync.RWMutex
	token    string
	issuedAt time.Time
	signIns  int
}

// NewManager creates a manager that refreshes every interval (30 minutes when zero).
func NewManager(primary, fallback Authenticator, interval time.Duration, log *logger.Logger) *Manager {
	if interval <= 0 {
		interval = constants.DefaultTokenRefresh
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		primary:  primary,
		fallback: fallback,
		interval: interval,
		now:      time.Now,
		logger:   log.WithComponent("auth"),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// EnsureValid signs in if no token is held or the held one is too old.
func (m *Manager) EnsureValid(ctx context.Context) error {
	if m.valid() {
		return nil
	}
	_, err, _ := m.group.Do("sign-in", func() (any, error) {
		if m.valid() {
			return nil, nil
		}
		return nil, m.signIn(ctx)
	})
	return err
}

// ForceRefresh signs in again regardless of the token's age. Callers racing
// on the same stale token share one sign-in; a caller arriving after a newer
// token was issued reuses it.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.RLock()
	observed := m.issuedAt
	m.mu.RUnlock()

	_, err, _ := m.group.Do("sign-in", func() (any, error) {
		m.mu.RLock()
		refreshed := m.token != "" && m.issuedAt.After(observed)
		m.mu.RUnlock()
		if refreshed {
			return nil, nil
		}
		return nil, m.signIn(ctx)
	})
	return err
}

// Token returns a valid access token, signing in first when needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if err := m.EnsureValid(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

// SignIns reports how many successful sign-ins the manager performed.
func (m *Manager) SignIns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signIns
}

func (m *Manager) valid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return false
	}
	return m.now().Sub(m.issuedAt) <= m.interval
}

func (m *Manager) signIn(ctx context.Context) error {
	m.logger.Info("Refreshing authentication token")

	token, primaryErr := m.primary.SignIn(ctx)
	if primaryErr != nil || token.AccessToken == "" {
		if primaryErr == nil {
			primaryErr = errors.New("empty access token")
		}
		m.logger.Warn("Primary sign-in failed, trying token exchange", "error", primaryErr)

		var fallbackErr error
		if m.fallback == nil {
			fallbackErr = errors.New("no fallback authenticator")
		} else {
			token, fallbackErr = m.fallback.SignIn(ctx)
			if fallbackErr == nil && token.AccessToken == "" {
				fallbackErr = errors.New("empty access token")
			}
		}
		if fallbackErr != nil {
			m.logger.Error("Sign-in failed", "primary_error", primaryErr, "fallback_error", fallbackErr)
			return &Error{Primary: primaryErr, Fallback: fallbackErr}
		}
	}

	m.mu.Lock()
	m.token = token.AccessToken
	m.issuedAt = m.now()
	m.signIns++
	m.mu.Unlock()

	m.logger.Info("Token refreshed")
	return nil
}
