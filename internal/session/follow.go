package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"sunarp-console/internal/shared/telemetry"
)

// Reload re-reads the persisted token. Expiry hooks do not run.
func (s *Session) Reload() error {
	token, err := s.store.Load()
	if err != nil && !errors.Is(err, ErrNoToken) {
		return fmt.Errorf("reload token: %w", err)
	}
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
	return nil
}

// Follow reloads the session whenever the token file at path changes, so a
// login or logout in another process reaches a long-running watch. The
// directory is watched because the file is replaced by rename. Watching stops
// when ctx ends.
func (s *Session) Follow(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("follow token file: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return fmt.Errorf("follow token file: %w", err)
	}

	target := filepath.Base(path)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					telemetry.Warn("session.reload_failed", map[string]any{"error": err.Error()})
					continue
				}
				telemetry.Info("session.reloaded", map[string]any{"signed_in": s.SignedIn()})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				telemetry.Warn("session.follow_error", map[string]any{"error": err.Error()})
			}
		}
	}()
	return nil
}
