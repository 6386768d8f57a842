package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

type state struct {
	NextID int64 `json:"next_id"`
}

// FileCursor stores the next unprocessed ID as a small JSON document.
type FileCursor struct {
	path   string
	start  int64
	logger *zap.Logger
}

// NewFileCursor returns a cursor persisted at path that falls back to start
// when nothing usable has been saved yet.
func NewFileCursor(path string, start int64, logger *zap.Logger) *FileCursor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileCursor{path: path, start: start, logger: logger.Named("cursor")}
}

// Load returns the persisted ID, or the configured start when the file is
// absent, unreadable, or holds a non-positive value.
func (c *FileCursor) Load() int64 {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("progress file unreadable, starting over", zap.String("path", c.path), zap.Error(err))
		}
		return c.start
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("progress file corrupt, starting over", zap.String("path", c.path), zap.Error(err))
		return c.start
	}
	if st.NextID <= 0 {
		return c.start
	}
	return st.NextID
}

// Save atomically replaces the persisted ID. Readers observe either the old
// or the new value, never a partial write.
func (c *FileCursor) Save(next int64) error {
	data, err := json.Marshal(state{NextID: next})
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("create progress temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close progress temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		cleanup()
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}
