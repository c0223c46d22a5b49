package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/shared/telemetry"
)

// ErrSignedOut is returned by Token when no credential is held.
var ErrSignedOut = fmt.Errorf("%w: not signed in", analyses.ErrUnauthorized)

// Session owns the bearer credential attached to every outgoing request.
// It is set on sign-in and cleared on sign-out or when the server answers 401.
type Session struct {
	mu        sync.RWMutex
	token     string
	store     TokenStore
	onExpired []func()
}

// New constructs a Session and restores a persisted token, if any.
func New(store TokenStore) (*Session, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Session{store: store}
	token, err := store.Load()
	if err != nil && !errors.Is(err, ErrNoToken) {
		return nil, fmt.Errorf("load token: %w", err)
	}
	s.token = strings.TrimSpace(token)
	return s, nil
}

// SignIn stores and persists a new credential.
func (s *Session) SignIn(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return &analyses.ValidationError{Field: "token", Message: "token is required"}
	}
	if err := s.store.Save(token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// SignOut clears the credential.
func (s *Session) SignOut() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	if err := s.store.Clear(); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Expire clears the credential after a 401 and runs the re-authentication hooks.
func (s *Session) Expire() {
	s.mu.Lock()
	had := s.token != ""
	s.expireLocked(had)
}

// ExpireToken expires the session only if rejected is still the current
// credential. A 401 for a request sent before a newer sign-in leaves the newer
// credential alone. It reports whether the session was expired.
func (s *Session) ExpireToken(rejected string) bool {
	rejected = strings.TrimSpace(rejected)
	s.mu.Lock()
	if rejected == "" || s.token != rejected {
		s.mu.Unlock()
		return false
	}
	s.expireLocked(true)
	return true
}

// expireLocked clears the credential and unlocks s.mu before running hooks.
func (s *Session) expireLocked(had bool) {
	s.token = ""
	hooks := append([]func(){}, s.onExpired...)
	s.mu.Unlock()

	if err := s.store.Clear(); err != nil {
		telemetry.Error("session.clear_failed", map[string]any{"error": err.Error()})
	}
	if !had {
		return
	}
	telemetry.Info("session.expired", nil)
	for _, fn := range hooks {
		fn()
	}
}

// OnExpired registers a hook that runs when the server rejects the credential.
func (s *Session) OnExpired(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onExpired = append(s.onExpired, fn)
	s.mu.Unlock()
}

// SignedIn reports whether a credential is held.
func (s *Session) SignedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Token implements oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return nil, ErrSignedOut
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

var _ oauth2.TokenSource = (*Session)(nil)
