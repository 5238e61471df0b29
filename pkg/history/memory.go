package history

import (
	"context"
	"errors"
	"sync"
)

var errClosed = errors.New("store is closed")

// MemoryStore keeps records in a slice. It is the default when no database
// path is configured; its contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of rec.
func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newStorageError("memory", "append", errClosed)
	}
	c := *rec
	s.records = append(s.records, &c)
	return nil
}

// Query returns copies of the matching records in append order.
func (s *MemoryStore) Query(ctx context.Context, q *Query) ([]*Record, error) {
	if q == nil {
		q = &Query{}
	}
	if err := q.Validate(); err != nil {
		return nil, newStorageError("memory", "query", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []*Record{}
	skipped := 0
	for _, rec := range s.records {
		if !q.Matches(rec) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		c := *rec
		results = append(results, &c)
		if q.Limit > 0 && len(results) == q.Limit {
			break
		}
	}
	return results, nil
}

// Count returns the number of matching records, ignoring pagination.
func (s *MemoryStore) Count(ctx context.Context, q *Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.records {
		if q.Matches(rec) {
			n++
		}
	}
	return n, nil
}

// Close makes further appends fail. Records stay queryable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
