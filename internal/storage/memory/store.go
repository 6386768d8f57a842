// Package memory keeps records and failures in process memory for development
// and tests.
package memory

import (
	"context"
	"sync"
)

// RecordStore stores payloads keyed by ID.
type RecordStore struct {
	mu      sync.RWMutex
	records map[int64][]byte
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[int64][]byte)}
}

// Exists reports whether id has a record.
func (s *RecordStore) Exists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

// Save stores a copy of payload unless id already has a record.
func (s *RecordStore) Save(_ context.Context, id int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return nil
	}
	s.records[id] = append([]byte(nil), payload...)
	return nil
}

// Get returns the stored payload for id.
func (s *RecordStore) Get(id int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[id]
	return p, ok
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// FailureLog records appended IDs in order.
type FailureLog struct {
	mu  sync.Mutex
	ids []int64
}

// NewFailureLog creates an empty log.
func NewFailureLog() *FailureLog {
	return &FailureLog{}
}

// Append records id.
func (l *FailureLog) Append(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
	return nil
}

// IDs returns a copy of the appended IDs.
func (l *FailureLog) IDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.ids...)
}

// Cursor holds the next ID in memory.
type Cursor struct {
	mu      sync.Mutex
	next    int64
	history []int64
}

// NewCursor starts at start.
func NewCursor(start int64) *Cursor {
	return &Cursor{next: start}
}

// Load returns the last saved value.
func (c *Cursor) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Save replaces the value and remembers it.
func (c *Cursor) Save(next int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = next
	c.history = append(c.history, next)
	return nil
}

// History returns every saved value in order.
func (c *Cursor) History() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.history...)
}
