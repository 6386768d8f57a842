package local

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// FailureLog appends one ID per line to a file that is never rewritten.
type FailureLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFailureLog opens path for appending, creating it when missing.
func OpenFailureLog(path string) (*FailureLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	return &FailureLog{file: f}, nil
}

// Append writes id on its own line and syncs it to disk.
func (l *FailureLog) Append(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.WriteString(strconv.FormatInt(id, 10) + "\n"); err != nil {
		return fmt.Errorf("append failure %d: %w", id, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync failure log: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (l *FailureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close failure log: %w", err)
	}
	return nil
}
