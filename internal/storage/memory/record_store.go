// Package memory offers in-process store implementations for development and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/KennyJian/red-book/internal/harvest"
)

// RecordStore provides an in-memory author store for development/testing.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]harvest.AuthorRecord
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]harvest.AuthorRecord)}
}

// Get fetches a record by user id.
func (s *RecordStore) Get(_ context.Context, userID string) (harvest.AuthorRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return harvest.AuthorRecord{}, false, nil
	}
	return clone(rec), true, nil
}

// Put stores a copy of record.
func (s *RecordStore) Put(_ context.Context, record harvest.AuthorRecord) error {
	if record.UserID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UserID] = clone(record)
	return nil
}

// List returns every record, most recently crawled first.
func (s *RecordStore) List(_ context.Context) ([]harvest.AuthorRecord, error) {
	s.mu.RLock()
	out := make([]harvest.AuthorRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	s.mu.RUnlock()
	harvest.SortByCrawlTime(out)
	return out, nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func clone(rec harvest.AuthorRecord) harvest.AuthorRecord {
	rec.Comments = slices.Clone(rec.Comments)
	return rec
}
