package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeFactories runs the same contract against every backend.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLite(t) },
	}
}

func sampleRecords(base time.Time) []*Record {
	return []*Record{
		{ID: "1", Time: base, Frontend: ":8443", ClientAddr: "10.0.0.1:4000", Host: "localhost", Backend: "127.0.0.1:8765", BytesUp: 120, BytesDown: 512, Duration: 3 * time.Millisecond, Outcome: "ok"},
		{ID: "2", Time: base.Add(time.Second), Frontend: ":8443", ClientAddr: "10.0.0.2:4000", Host: "localhost", Backend: "127.0.0.1:8766", BytesUp: 80, BytesDown: 256, Outcome: "ok"},
		{ID: "3", Time: base.Add(2 * time.Second), Frontend: ":8443", ClientAddr: "10.0.0.3:4000", Host: "unknown.example", Outcome: "NoBackendForHost", Error: "no backend for host"},
		{ID: "4", Time: base.Add(3 * time.Second), Frontend: ":8443", ClientAddr: "10.0.0.4:4000", Outcome: "TLSHandshakeFailed", Error: "tls handshake failed"},
	}
}

func TestStore_Contract(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			for _, r := range sampleRecords(base) {
				require.NoError(t, s.Append(ctx, r))
			}

			all, err := s.Query(ctx, &Query{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			for i, r := range all {
				assert.Equal(t, fmt.Sprint(i+1), r.ID, "append order")
			}
			assert.True(t, all[0].Time.Equal(base))
			assert.Equal(t, 3*time.Millisecond, all[0].Duration)
			assert.Equal(t, int64(512), all[0].BytesDown)

			byHost, err := s.Query(ctx, &Query{Host: "localhost"})
			require.NoError(t, err)
			assert.Len(t, byHost, 2)

			failed, err := s.Query(ctx, &Query{Outcome: "NoBackendForHost"})
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Empty(t, failed[0].Backend)

			window, err := s.Query(ctx, &Query{Since: base.Add(time.Second), Until: base.Add(3 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, window, 2)

			page, err := s.Query(ctx, &Query{Offset: 1, Limit: 2})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "2", page[0].ID)
			assert.Equal(t, "3", page[1].ID)

			n, err := s.Count(ctx, &Query{Host: "localhost", Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = s.Query(ctx, &Query{Limit: -1})
			assert.Error(t, err)
		})
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Append(ctx, &Record{ID: fmt.Sprint(i), Time: time.Now(), Outcome: "ok"}))
				}(i)
			}
			wg.Wait()
			n, err := s.Count(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, 50, n)
		})
	}
}

func TestMemoryStore_RecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &Record{ID: "1", Host: "localhost", Outcome: "ok"}
	require.NoError(t, s.Append(ctx, rec))

	rec.Host = "mutated"
	got, err := s.Query(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost", got[0].Host)

	got[0].Host = "mutated again"
	again, _ := s.Query(ctx, nil)
	assert.Equal(t, "localhost", again[0].Host)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), &Record{ID: "x", Time: time.Now(), Outcome: "ok"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingStore struct {
	MemoryStore
	appends int
}

func (f *failingStore) Append(ctx context.Context, rec *Record) error {
	f.appends++
	return errors.New("disk full")
}

func TestLog_AppendSwallowsErrors(t *testing.T) {
	store := &failingStore{}
	l := NewLog(store)

	assert.NotPanics(t, func() {
		l.Append(&Record{ID: "1", Outcome: "ok"})
	})
	assert.Equal(t, 1, store.appends)
}

func TestLog_DefaultsToMemory(t *testing.T) {
	l := NewLog(nil)
	l.Append(&Record{ID: "1", Host: "localhost", Outcome: "ok"})
	recs, err := l.Query(context.Background(), &Query{Host: "localhost"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	n, err := l.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, l.Close())
}
