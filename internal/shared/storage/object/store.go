package object

import (
	"context"
	"io"
)

// Saved describes a stored object.
type Saved struct {
	Key         string
	Location    string
	SizeBytes   int64
	ContentType string
}

// Store is where retrieved artifacts are written for the user.
type Store interface {
	Save(ctx context.Context, key string, contentType string, r io.Reader) (Saved, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
