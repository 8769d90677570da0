// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type objectWriter interface {
	io.Writer
	Close() error
}

// BlobStore writes page snapshots to a configured GCS bucket.
type BlobStore struct {
	bucket    string
	prefix    string
	newWriter func(ctx context.Context, bucket, object, contentType string) objectWriter
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newBlobStore(cfg, func(ctx context.Context, bucket, object, contentType string) objectWriter {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		return w
	})
}

func newBlobStore(
	cfg Config,
	newWriter func(ctx context.Context, bucket, object, contentType string) objectWriter,
) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		newWriter: newWriter,
	}, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	object := path
	if s.prefix != "" {
		object = s.prefix + "/" + path
	}
	writer := s.newWriter(ctx, s.bucket, object, contentType)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
