package fieldqueue

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store := NewStore(openTestDB(t, path), &StoreConfig{RecoverOrphans: true, Logger: quietLogger()})
	require.NoError(t, store.Open(context.Background()))
	return store, path
}

func testConfig() *Config {
	cfg := DefaultConfig("surveys")
	cfg.Logger = quietLogger()
	return cfg
}

// fakeRemote records every insert it receives. fail, when set, decides per call
// (1-based across the fake's lifetime) whether the insert fails.
type fakeRemote struct {
	mu       sync.Mutex
	calls    int
	inserted []Record
	tables   []string
	fail     func(call int, record Record) error
}

func (f *fakeRemote) Insert(ctx context.Context, table string, record Record) (Record, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(call, record); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, record)
	f.tables = append(f.tables, table)
	out := Record{"id": call}
	for k, v := range record {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) insertedRecords() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(f.inserted))
	copy(out, f.inserted)
	return out
}

func rejection(msg string) error {
	return &RemoteError{Kind: ErrorKindRejection, StatusCode: 409, Code: "constraint_violation", Message: msg}
}
