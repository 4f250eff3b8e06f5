// Package data is the storage core: one SQLite file per profile, opened in
// WAL mode with a single serialized writer and a separate read-only pool.
// It uses modernc.org/sqlite for pure-Go, CGO-free database access.
package data

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/metrics"
)

//go:embed migrations/001_profile_schema.sql
var profileSchema string

//go:embed migrations/001_system_schema.sql
var systemSchema string

// SystemStoreName is the store holding agents and trust evidence.
const SystemStoreName = "_system"

// Kind selects the schema a store is created with.
type Kind int

const (
	KindProfile Kind = iota
	KindSystem
)

// RetryPolicy bounds how long a queued write may keep retrying transient
// failures before it is dead-lettered.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a store.
type Options struct {
	BusyTimeout time.Duration
	ReadConns   int
	QueueSize   int
	Retry       RetryPolicy
	Metrics     *metrics.Metrics

	// ExpectExisting reports a missing file as a recovered empty store.
	ExpectExisting bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BusyTimeout: 5 * time.Second,
		ReadConns:   4,
		QueueSize:   256,
		Retry: RetryPolicy{
			MaxRetries:      5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.ReadConns <= 0 {
		o.ReadConns = d.ReadConns
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = d.Retry.MaxInterval
	}
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	}
	return o
}

// Store is an open profile (or system) database. All mutations go through
// its write queue; reads use a separate query-only pool and never wait on the
// writer.
type Store struct {
	name    string
	path    string
	kind    Kind
	writer  *sql.DB
	reader  *sql.DB
	queue   *WriteQueue
	metrics *metrics.Metrics
}

// Open opens or creates the profile store at path. A corrupted file is moved
// aside and replaced by an empty store; the returned warning is non-nil
// whenever data was lost.
func Open(path, name string, opts Options) (*Store, *errs.RecoveredEmptyStoreWarning, error) {
	return open(path, name, KindProfile, opts)
}

// OpenSystem opens or creates the system store at path.
func OpenSystem(path string, opts Options) (*Store, *errs.RecoveredEmptyStoreWarning, error) {
	return open(path, SystemStoreName, KindSystem, opts)
}

func open(path, name string, kind Kind, opts Options) (*Store, *errs.RecoveredEmptyStoreWarning, error) {
	opts = opts.withDefaults()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := validateLocalPath(dir); err != nil {
		return nil, nil, fmt.Errorf("validate data directory: %w", err)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	s, err := openStore(path, name, kind, opts)
	if err == nil {
		if !existed && opts.ExpectExisting {
			warn := &errs.RecoveredEmptyStoreWarning{Path: path, Cause: errors.New("database file missing")}
			log.Warn().Str("store", name).Str("path", path).Msg("store file missing, created empty store")
			return s, warn, nil
		}
		return s, nil, nil
	}

	if !existed || !isCorruption(err) {
		return nil, nil, err
	}

	movedTo, mvErr := quarantine(path)
	if mvErr != nil {
		return nil, nil, fmt.Errorf("quarantine corrupt store: %w (open error: %v)", mvErr, err)
	}

	s, err2 := openStore(path, name, kind, opts)
	if err2 != nil {
		return nil, nil, fmt.Errorf("recreate store after corruption: %w", err2)
	}

	log.Warn().Err(err).Str("store", name).Str("moved_to", movedTo).Msg("corrupt store replaced by empty store")
	return s, &errs.RecoveredEmptyStoreWarning{Path: path, MovedTo: movedTo, Cause: err}, nil
}

func openStore(path, name string, kind Kind, opts Options) (*Store, error) {
	writer, err := sql.Open("sqlite", dsn(path, opts, false))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: the write queue is the only writer in this process.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	s := &Store{name: name, path: path, kind: kind, writer: writer, metrics: opts.Metrics}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.initPragmas(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if err := s.checkIntegrity(ctx); err != nil {
		writer.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn(path, opts, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	reader.SetMaxOpenConns(opts.ReadConns)
	reader.SetMaxIdleConns(opts.ReadConns)
	s.reader = reader

	s.queue = newWriteQueue(s, opts)
	return s, nil
}

// dsn builds a modernc connection string. Pragmas are applied per connection.
func dsn(path string, opts Options, readOnly bool) string {
	q := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}
	if readOnly {
		q = append(q, "_pragma=query_only(1)")
	} else {
		q = append(q, "_pragma=journal_mode(WAL)", "_txlock=immediate")
	}
	return "file:" + path + "?" + strings.Join(q, "&")
}

// initPragmas configures SQLite for concurrent readers and a single writer.
func (s *Store) initPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",    // Readers never block on the writer
		"PRAGMA cache_size = -16000",   // 16MB cache (negative = KB)
		"PRAGMA temp_store = MEMORY",   // Keep temp tables in memory
		"PRAGMA mmap_size = 67108864",  // 64MB memory-mapped I/O
		"PRAGMA auto_vacuum = INCREMENTAL",
	}

	for _, pragma := range pragmas {
		if _, err := s.writer.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

var errIntegrity = errors.New("integrity check failed")

func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.writer.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", errIntegrity, result)
	}
	return nil
}

// Migrate runs the embedded schema for the store kind.
// This is idempotent - safe to call multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	name, schema := "profile_schema", profileSchema
	if s.kind == KindSystem {
		name, schema = "system_schema", systemSchema
	}
	if err := s.runMigration(ctx, schema); err != nil {
		return fmt.Errorf("migration %s: %w", name, err)
	}
	return nil
}

// runMigration executes a single migration schema in one transaction.
func (s *Store) runMigration(ctx context.Context, schema string) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitSQL(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w\nSQL: %s", i+1, err, stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// Name returns the profile name of the store.
func (s *Store) Name() string { return s.name }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Reader returns the query-only pool for packages that keep their own tables
// in the store.
func (s *Store) Reader() *sql.DB { return s.reader }

// Queue returns the store's serialized write queue.
func (s *Store) Queue() *WriteQueue { return s.queue }

// Health checks that the read pool is alive and responsive.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := s.reader.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("health check returned unexpected value: %d", result)
	}
	return nil
}

// Close drains the write queue and closes both pools.
func (s *Store) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.reader != nil {
		s.reader.Close()
	}

	if _, err := s.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Str("store", s.name).Msg("WAL checkpoint failed")
	}

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isCorruption reports whether err means the file is not a usable database.
func isCorruption(err error) bool {
	if errors.Is(err, errIntegrity) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

// quarantine moves a corrupt database and its WAL/SHM siblings aside.
func quarantine(path string) (string, error) {
	suffix := ".corrupt-" + time.Now().UTC().Format("20060102T150405")
	movedTo := path + suffix
	if err := os.Rename(path, movedTo); err != nil {
		return "", err
	}
	for _, ext := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + ext); err == nil {
			_ = os.Rename(path+ext, movedTo+ext)
		}
	}
	return movedTo, nil
}

// removeFiles deletes a database file and its WAL/SHM siblings.
func removeFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// validateLocalPath ensures the directory is local and writable.
// Network paths (SMB, NFS, etc.) can cause SQLite corruption.
func validateLocalPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	for _, prefix := range []string{"//", "\\\\"} {
		if strings.HasPrefix(absPath, prefix) {
			return fmt.Errorf("network path detected: %s (SQLite requires local filesystem)", absPath)
		}
	}

	testFile := filepath.Join(path, ".cortexmem-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	os.Remove(testFile)

	return nil
}

// splitSQL splits a multi-statement SQL string into individual statements.
// Handles comments, empty lines, strings, and BEGIN...END blocks (for triggers).
func splitSQL(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)
	beginDepth := 0

	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		upperLine := strings.ToUpper(trimmed)
		if !inString && strings.Contains(upperLine, "BEGIN") && !strings.Contains(upperLine, "BEGIN TRANSACTION") {
			beginDepth++
		}

		for _, ch := range line {
			if (ch == '\'' || ch == '"') && !inString {
				inString = true
				stringChar = ch
			} else if ch == stringChar && inString {
				inString = false
				stringChar = 0
			}

			current.WriteRune(ch)

			if ch == ';' && !inString {
				currentStr := current.String()
				upperCurrent := strings.ToUpper(strings.TrimSpace(currentStr))

				if beginDepth > 0 && strings.HasSuffix(upperCurrent, "END;") {
					beginDepth--
				}

				if beginDepth == 0 {
					if stmt := strings.TrimSpace(currentStr); stmt != "" {
						statements = append(statements, stmt)
					}
					current.Reset()
				}
			}
		}

		current.WriteRune('\n')
	}

	if final := strings.TrimSpace(current.String()); final != "" {
		statements = append(statements, final)
	}

	return statements
}

// nanos converts a time to the stored unix-nanosecond representation.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos converts a stored timestamp back to UTC time.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
