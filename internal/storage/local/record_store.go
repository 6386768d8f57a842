// Package local writes output records and the failure log to the local
// filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config captures the parameters for the local record store.
type Config struct {
	// Dir is the directory holding one <id>.json file per record.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RecordStore writes each record to its own file, at most once.
type RecordStore struct {
	dir string
}

// New creates a local record store, creating Dir when missing.
func New(cfg Config) (*RecordStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("record directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create record directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat record directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("record directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("record directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &RecordStore{dir: cfg.Dir}, nil
}

func (s *RecordStore) path(id int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(id, 10)+".json")
}

// Exists reports whether the record file for id is present.
func (s *RecordStore) Exists(_ context.Context, id int64) (bool, error) {
	_, err := os.Stat(s.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat record %d: %w", id, err)
	}
}

// Save writes payload to a temp file and links it into place, so the record
// path only ever holds a complete payload and an existing record is never
// replaced.
func (s *RecordStore) Save(_ context.Context, id int64, payload []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write record %d: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync record %d: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record %d: %w", id, err)
	}
	if err := os.Link(tmpName, s.path(id)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("publish record %d: %w", id, err)
	}
	return nil
}
