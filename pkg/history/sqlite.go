package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL,
    started_ns  INTEGER NOT NULL,
    frontend    TEXT NOT NULL,
    client_addr TEXT NOT NULL,
    host        TEXT NOT NULL DEFAULT '',
    backend     TEXT NOT NULL DEFAULT '',
    bytes_up    INTEGER NOT NULL DEFAULT 0,
    bytes_down  INTEGER NOT NULL DEFAULT 0,
    duration_ns INTEGER NOT NULL DEFAULT 0,
    outcome     TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_host ON history(host);
CREATE INDEX IF NOT EXISTS idx_history_started ON history(started_ns);
`

// SQLiteConfig configures the SQLite history store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	insert *sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, newStorageError("sqlite", "open", fmt.Errorf("empty database path"))
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError("sqlite", "open", err)
	}
	// A single writer avoids SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, newStorageError("sqlite", "create_schema", err)
	}

	insert, err := db.Prepare(`INSERT INTO history
		(id, started_ns, frontend, client_addr, host, backend, bytes_up, bytes_down, duration_ns, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, newStorageError("sqlite", "prepare_insert", err)
	}

	return &SQLiteStore{db: db, insert: insert}, nil
}

// Append inserts rec.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	_, err := s.insert.ExecContext(ctx,
		rec.ID, rec.Time.UnixNano(), rec.Frontend, rec.ClientAddr, rec.Host, rec.Backend,
		rec.BytesUp, rec.BytesDown, int64(rec.Duration), rec.Outcome, rec.Error,
	)
	if err != nil {
		return newStorageError("sqlite", "append", err)
	}
	return nil
}

func whereClause(q *Query) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if q.Host != "" {
		conds = append(conds, "host = ?")
		args = append(args, q.Host)
	}
	if q.Backend != "" {
		conds = append(conds, "backend = ?")
		args = append(args, q.Backend)
	}
	if q.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if q.ClientAddr != "" {
		conds = append(conds, "client_addr = ?")
		args = append(args, q.ClientAddr)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "started_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "started_ns < ?")
		args = append(args, q.Until.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching records in append order.
func (s *SQLiteStore) Query(ctx context.Context, q *Query) ([]*Record, error) {
	if q == nil {
		q = &Query{}
	}
	if err := q.Validate(); err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}

	where, args := whereClause(q)
	stmt := `SELECT id, started_ns, frontend, client_addr, host, backend, bytes_up, bytes_down, duration_ns, outcome, error
		FROM history` + where + ` ORDER BY seq`
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit == 0 {
			limit = -1
		}
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	results := []*Record{}
	for rows.Next() {
		var rec Record
		var startedNs, durationNs int64
		if err := rows.Scan(&rec.ID, &startedNs, &rec.Frontend, &rec.ClientAddr, &rec.Host, &rec.Backend,
			&rec.BytesUp, &rec.BytesDown, &durationNs, &rec.Outcome, &rec.Error); err != nil {
			return nil, newStorageError("sqlite", "scan", err)
		}
		rec.Time = time.Unix(0, startedNs)
		rec.Duration = time.Duration(durationNs)
		results = append(results, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}
	return results, nil
}

// Count returns the number of matching records, ignoring pagination.
func (s *SQLiteStore) Count(ctx context.Context, q *Query) (int, error) {
	if q == nil {
		q = &Query{}
	}
	where, args := whereClause(q)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history"+where, args...).Scan(&n); err != nil {
		return 0, newStorageError("sqlite", "count", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.insert.Close()
	return s.db.Close()
}
