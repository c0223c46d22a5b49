package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"sunarp-console/internal/shared/storage/object"
)

// Store implements object.Store on the local filesystem.
type Store struct {
	baseDir string
}

// New creates a local store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Save writes r to baseDir/key, replacing any previous file. When contentType is
// empty it is sniffed from the first bytes.
func (s *Store) Save(ctx context.Context, key string, contentType string, r io.Reader) (object.Saved, error) {
	if err := ctx.Err(); err != nil {
		return object.Saved{}, err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return object.Saved{}, err
	}

	fullPath := filepath.Join(s.baseDir, clean)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return object.Saved{}, fmt.Errorf("mkdir: %w", err)
	}
	tmp := fullPath + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return object.Saved{}, fmt.Errorf("open file: %w", err)
	}

	var sniff [512]byte
	n, readErr := io.ReadFull(r, sniff[:])
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		f.Close()
		os.Remove(tmp)
		return object.Saved{}, fmt.Errorf("read sniff: %w", readErr)
	}
	if contentType == "" {
		contentType = http.DetectContentType(sniff[:n])
	}

	size := int64(0)
	if n > 0 {
		if _, err := f.Write(sniff[:n]); err != nil {
			f.Close()
			os.Remove(tmp)
			return object.Saved{}, fmt.Errorf("write sniff: %w", err)
		}
		size += int64(n)
	}
	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return object.Saved{}, fmt.Errorf("write body: %w", err)
	}
	size += written
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return object.Saved{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return object.Saved{}, fmt.Errorf("rename: %w", err)
	}

	return object.Saved{Key: clean, Location: fullPath, SizeBytes: size, ContentType: contentType}, nil
}

// Open opens a stored object for reading.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.baseDir, clean))
}

func cleanKey(key string) (string, error) {
	clean := filepath.Clean(strings.TrimSpace(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return clean, nil
}

var _ object.Store = (*Store)(nil)
