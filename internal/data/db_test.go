package data

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retry = RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return opts
}

// newTestStore opens a fresh profile store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles", "default.db")
	s, warn, err := Open(path, types.DefaultProfile, testOptions())
	require.NoError(t, err)
	require.Nil(t, warn)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Health(context.Background()))

	var mode string
	require.NoError(t, s.Reader().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReaderIsQueryOnly(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Reader().Exec(`INSERT INTO source_stats (source) VALUES ('x')`)
	assert.Error(t, err)
}

func TestOpenRecoversCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.db")
	require.NoError(t, os.WriteFile(path, []byte("this is definitely not a sqlite database, just some bytes padding it out"), 0644))

	s, warn, err := Open(path, "broken", testOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, warn)
	assert.Equal(t, path, warn.Path)
	assert.FileExists(t, warn.MovedTo)

	m, err := s.Insert(context.Background(), types.MemoryDraft{Content: "fresh start", AgentID: "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
}

func TestOpenWarnsWhenExpectedFileMissing(t *testing.T) {
	opts := testOptions()
	opts.ExpectExisting = true

	s, warn, err := Open(filepath.Join(t.TempDir(), "gone.db"), "gone", opts)
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, warn)
	assert.Empty(t, warn.MovedTo)
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL(`
-- comment
CREATE TABLE a (x TEXT DEFAULT 'a;b');
CREATE TRIGGER t AFTER INSERT ON a BEGIN
  UPDATE a SET x = 'y';
END;
CREATE INDEX i ON a(x);
`)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "'a;b'")
	assert.Contains(t, stmts[1], "END;")
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRITE QUEUE
// ═══════════════════════════════════════════════════════════════════════════════

func TestQueueDeadLettersTransientFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls atomic.Int32
	err := s.Queue().Submit(ctx, Op{
		Name:    "flaky",
		Payload: map[string]string{"id": "m1"},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			calls.Add(1)
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		},
	})

	var timeout *errs.ConcurrencyTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, errs.Retryable(err))

	letters, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, timeout.DeadLetterID, letters[0].ID)
	assert.Equal(t, "flaky", letters[0].Operation)
	assert.JSONEq(t, `{"id":"m1"}`, letters[0].Payload)
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	s := newTestStore(t)

	var calls atomic.Int32
	err := s.Queue().Submit(context.Background(), Op{
		Name: "eventually",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if calls.Add(1) < 2 {
				return errors.New("database is locked")
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO source_stats (source, created) VALUES ('cli', 1)`)
			return err
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	stats, err := s.SourceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["cli"].Created)
}

func TestQueueDoesNotRetryPermanentErrors(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	var calls atomic.Int32
	err := s.Queue().Submit(context.Background(), Op{
		Name: "bad",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			calls.Add(1)
			return boom
		},
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())

	letters, err := s.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestQueueRollsBackFailedAttempt(t *testing.T) {
	s := newTestStore(t)

	err := s.Queue().Submit(context.Background(), Op{
		Name: "partial",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO source_stats (source, created) VALUES ('x', 1)`); err != nil {
				return err
			}
			return errors.New("fail after write")
		},
	})
	require.Error(t, err)

	stats, err := s.SourceStats(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, stats, "x")
}

func TestQueueClosedRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	s, _, err := Open(path, "c", testOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Queue().Submit(context.Background(), Op{Name: "late", Apply: func(context.Context, *sql.Tx) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isTransient(errors.New("disk I/O error")))
	assert.False(t, isTransient(errors.New("UNIQUE constraint failed")))
	assert.False(t, isTransient(nil))
}
