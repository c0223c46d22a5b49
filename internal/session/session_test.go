package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sunarp-console/internal/analyses"
)

func TestSessionLifecycle(t *testing.T) {
	s, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.Token(); !errors.Is(err, analyses.ErrUnauthorized) {
		t.Fatalf("expected signed-out error, got %v", err)
	}

	if err := s.SignIn("  tok-1 "); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	tok, err := s.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "tok-1" || tok.Type() != "Bearer" {
		t.Fatalf("unexpected token %#v", tok)
	}

	if err := s.SignOut(); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if s.SignedIn() {
		t.Fatalf("expected signed out")
	}
}

func TestSignInRejectsEmptyToken(t *testing.T) {
	s, _ := New(nil)
	if err := s.SignIn("   "); !errors.Is(err, analyses.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExpireRunsHooksOnce(t *testing.T) {
	store := NewMemoryStore()
	s, _ := New(store)
	calls := 0
	s.OnExpired(func() { calls++ })

	if err := s.SignIn("tok"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	s.Expire()
	s.Expire()

	if calls != 1 {
		t.Fatalf("expected hook to run once, got %d", calls)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected persisted token cleared, got %v", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store := NewFileStore(path)

	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken on missing file, got %v", err)
	}
	if err := store.Save("persisted"); err != nil {
		t.Fatalf("save: %v", err)
	}

	s, err := New(store)
	if err != nil {
		t.Fatalf("restore session: %v", err)
	}
	if !s.SignedIn() {
		t.Fatalf("expected persisted token to be restored")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear twice: %v", err)
	}
}

func TestFollowPicksUpExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	s, err := New(NewFileStore(path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Follow(ctx, path); err != nil {
		t.Fatalf("follow: %v", err)
	}

	other := NewFileStore(path)
	if err := other.Save("tok-from-elsewhere"); err != nil {
		t.Fatalf("save: %v", err)
	}
	waitFor(t, func() bool {
		tok, err := s.Token()
		return err == nil && tok.AccessToken == "tok-from-elsewhere"
	})

	if err := other.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	waitFor(t, func() bool { return !s.SignedIn() })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestExpireTokenIgnoresSupersededCredential(t *testing.T) {
	store := NewMemoryStore()
	s, _ := New(store)
	calls := 0
	s.OnExpired(func() { calls++ })

	if err := s.SignIn("old"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if err := s.SignIn("new"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if s.ExpireToken("old") || !s.SignedIn() || calls != 0 {
		t.Fatalf("rejecting an older token must keep the current one, signed_in=%v calls=%d", s.SignedIn(), calls)
	}
	if got, err := store.Load(); err != nil || got != "new" {
		t.Fatalf("expected persisted token kept, got %q %v", got, err)
	}

	if !s.ExpireToken("new") || s.SignedIn() || calls != 1 {
		t.Fatalf("rejecting the current token must expire, signed_in=%v calls=%d", s.SignedIn(), calls)
	}
}

func TestReloadTrimsToken(t *testing.T) {
	store := NewMemoryStore()
	s, _ := New(store)
	if err := store.Save("  tok-9\n"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	tok, err := s.Token()
	if err != nil || tok.AccessToken != "tok-9" {
		t.Fatalf("expected trimmed token, got %#v %v", tok, err)
	}
}
