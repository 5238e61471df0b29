// Package history records one entry per proxied session and lets operator
// tooling query them.
//
// Stores are append-only. A Record is never modified once appended; stores
// hand out copies so callers cannot mutate what was recorded.
package history

import (
	"context"
	"fmt"
	"time"
)

// Record is the snapshot of a finished (or failed) session.
type Record struct {
	ID         string        `json:"id"`
	Time       time.Time     `json:"time"` // session start
	Frontend   string        `json:"frontend"`
	ClientAddr string        `json:"client_addr"`
	Host       string        `json:"host,omitempty"`    // empty when the host was never resolved
	Backend    string        `json:"backend,omitempty"` // empty when no backend was chosen
	BytesUp    int64         `json:"bytes_up"`          // client -> backend
	BytesDown  int64         `json:"bytes_down"`        // backend -> client
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"` // "ok" or an error kind
	Error      string        `json:"error,omitempty"`
}

// Query filters records. Zero-valued fields match everything.
type Query struct {
	Host       string
	Backend    string
	Outcome    string
	ClientAddr string
	Since      time.Time // inclusive
	Until      time.Time // exclusive
	Offset     int
	Limit      int // 0 = no limit
}

// Store persists records in append order.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Query(ctx context.Context, q *Query) ([]*Record, error)
	Count(ctx context.Context, q *Query) (int, error)
	Close() error
}

// Matches reports whether rec satisfies the filter part of q.
func (q *Query) Matches(rec *Record) bool {
	if q == nil {
		return true
	}
	if q.Host != "" && rec.Host != q.Host {
		return false
	}
	if q.Backend != "" && rec.Backend != q.Backend {
		return false
	}
	if q.Outcome != "" && rec.Outcome != q.Outcome {
		return false
	}
	if q.ClientAddr != "" && rec.ClientAddr != q.ClientAddr {
		return false
	}
	if !q.Since.IsZero() && rec.Time.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !rec.Time.Before(q.Until) {
		return false
	}
	return true
}

// Validate rejects negative pagination.
func (q *Query) Validate() error {
	if q.Offset < 0 {
		return fmt.Errorf("query offset must not be negative, got %d", q.Offset)
	}
	if q.Limit < 0 {
		return fmt.Errorf("query limit must not be negative, got %d", q.Limit)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return fmt.Errorf("query until %s is before since %s", q.Until, q.Since)
	}
	return nil
}

// StorageError represents an error from a storage backend.
type StorageError struct {
	Backend   string // "memory", "sqlite"
	Operation string
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func newStorageError(backend, op string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: op, Cause: cause}
}
