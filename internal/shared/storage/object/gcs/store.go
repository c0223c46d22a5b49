package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"

	"sunarp-console/internal/shared/storage/object"
)

// objects is the slice of the GCS client the store uses.
type objects interface {
	NewWriter(ctx context.Context, bucket, name, contentType string) io.WriteCloser
	NewReader(ctx context.Context, bucket, name string) (io.ReadCloser, error)
}

type clientObjects struct {
	client *storage.Client
}

func (o clientObjects) NewWriter(ctx context.Context, bucket, name, contentType string) io.WriteCloser {
	w := o.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (o clientObjects) NewReader(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	return o.client.Bucket(bucket).Object(name).NewReader(ctx)
}

// Store implements object.Store on Google Cloud Storage.
type Store struct {
	objects objects
	bucket  string
	prefix  string
}

// New creates a GCS-backed store using application default credentials.
func New(ctx context.Context, bucket, prefix string) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return newWithObjects(clientObjects{client: client}, bucket, prefix), nil
}

func newWithObjects(o objects, bucket, prefix string) *Store {
	return &Store{
		objects: o,
		bucket:  strings.TrimSpace(bucket),
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
	}
}

// Save streams r to prefix/key. The object is only visible once the writer closes.
func (s *Store) Save(ctx context.Context, key string, contentType string, r io.Reader) (object.Saved, error) {
	if err := ctx.Err(); err != nil {
		return object.Saved{}, err
	}
	if strings.Trim(key, "/") == "" {
		return object.Saved{}, fmt.Errorf("invalid storage key %q", key)
	}

	body := r
	if contentType == "" {
		var sniff [512]byte
		n, readErr := io.ReadFull(r, sniff[:])
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return object.Saved{}, fmt.Errorf("read sniff: %w", readErr)
		}
		contentType = http.DetectContentType(sniff[:n])
		body = io.MultiReader(bytes.NewReader(sniff[:n]), r)
	}

	name := s.objectName(key)
	w := s.objects.NewWriter(ctx, s.bucket, name, contentType)
	n, err := io.Copy(w, body)
	if err != nil {
		_ = w.Close()
		return object.Saved{}, fmt.Errorf("gcs write bucket=%s object=%s: %w", s.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return object.Saved{}, fmt.Errorf("gcs finalize bucket=%s object=%s: %w", s.bucket, name, err)
	}
	return object.Saved{
		Key:         key,
		Location:    "gs://" + s.bucket + "/" + name,
		SizeBytes:   n,
		ContentType: contentType,
	}, nil
}

// Open reads a stored object.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := s.objectName(key)
	rc, err := s.objects.NewReader(ctx, s.bucket, name)
	if err != nil {
		return nil, fmt.Errorf("gcs read bucket=%s object=%s: %w", s.bucket, name, err)
	}
	return rc, nil
}

func (s *Store) objectName(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
