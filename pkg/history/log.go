package history

import (
	"context"
	"time"

	"github.com/ops-lb/pkg/logging"
)

const appendTimeout = 2 * time.Second

// Log is the session-facing side of a Store. Append never fails the caller:
// storage errors are logged and dropped.
type Log struct {
	store Store
}

// NewLog wraps store. A nil store gets an in-memory one.
func NewLog(store Store) *Log {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Log{store: store}
}

// Append records rec, best effort.
func (l *Log) Append(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := l.store.Append(ctx, rec); err != nil {
		logging.Logf("[history] append failed id=%s host=%q outcome=%s err=%v", rec.ID, rec.Host, rec.Outcome, err)
	}
}

// Query runs q against the underlying store.
func (l *Log) Query(ctx context.Context, q *Query) ([]*Record, error) {
	return l.store.Query(ctx, q)
}

// Count counts records matching q.
func (l *Log) Count(ctx context.Context, q *Query) (int, error) {
	return l.store.Count(ctx, q)
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}
