// Package gcs provides a RecordStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the parameters required to write records to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// RecordStore writes each record to <prefix>/<id>.json in a bucket.
type RecordStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed record store.
func New(client *storage.Client, cfg Config) (*RecordStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &RecordStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *RecordStore) objectName(id int64) string {
	name := strconv.FormatInt(id, 10) + ".json"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Exists reports whether the record object for id is present.
func (s *RecordStore) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(id)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

// Save uploads payload only if the object does not exist yet. A failed
// precondition means an earlier run already saved the record.
func (s *RecordStore) Save(ctx context.Context, id int64, payload []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(id)).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.ChunkSize = 0
	if _, err := writer.Write(payload); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RecordStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
