// Package state keeps the journal of applied and removed rule sets.
//
// The journal is a SQLite database (pure Go driver, no CGO). Every engine
// operation appends one row, whatever its outcome, so operators can see what
// was installed, when, and why an attempt was rolled back. The journal is
// never read back by the engine: the kernel table stays the source of truth
// for what is active.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/leakshield/internal/clock"
	"grimm.is/leakshield/internal/engine"
	"grimm.is/leakshield/internal/filter"
)

const schemaVersion = "1"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state store is closed")

// Options configures the store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool   // Enable WAL mode for better concurrency

	// Retention caps the number of journal rows kept. Zero keeps everything.
	Retention int

	Clock clock.Clock // Optional: time source for recorded_at (defaults to the package clock)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:      path,
		WALMode:   true,
		Retention: 1000,
	}
}

// Entry is one journal row.
type Entry struct {
	Seq       int64
	Operation string
	Outcome   string
	Rules     []string
	IDs       []filter.ID
	Error     string
	Started   time.Time
	Finished  time.Time
}

// Duration is how long the operation took.
func (e Entry) Duration() time.Duration {
	return e.Finished.Sub(e.Started)
}

// Store is the SQLite-backed journal. It implements engine.Journal.
type Store struct {
	db        *sql.DB
	clock     clock.Clock
	retention int

	mu     sync.Mutex
	closed bool
}

var _ engine.Journal = (*Store)(nil)

// Open opens or creates the journal at path with default options.
func Open(path string) (*Store, error) {
	return OpenWithOptions(DefaultOptions(path))
}

// OpenWithOptions opens or creates the journal.
func OpenWithOptions(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		dsn += "?_pragma=busy_timeout(5000)"
		if opts.WALMode {
			dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, clock: opts.Clock, retention: opts.Retention}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			outcome TEXT NOT NULL,
			rules TEXT NOT NULL,
			ids TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_operations_outcome ON operations(outcome);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var version string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec("INSERT INTO metadata (key, value) VALUES ('schema_version', ?)", schemaVersion)
		return err
	case err != nil:
		return err
	case version != schemaVersion:
		return fmt.Errorf("unsupported journal schema version %q", version)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return clock.Now()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Record appends rec to the journal and prunes rows beyond the retention.
func (s *Store) Record(ctx context.Context, rec engine.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	rules, err := json.Marshal(nonNil(rec.Rules))
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	ids, err := json.Marshal(nonNil(rec.IDs))
	if err != nil {
		return fmt.Errorf("encode ids: %w", err)
	}
	var msg string
	if rec.Err != nil {
		msg = rec.Err.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (operation, outcome, rules, ids, error, started_at, finished_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Operation, rec.Outcome, string(rules), string(ids), msg,
		formatTime(rec.Started), formatTime(rec.Finished), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}

	if s.retention > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM operations WHERE seq <= (SELECT MAX(seq) FROM operations) - ?`, s.retention)
		if err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
	}
	return tx.Commit()
}

// History returns up to limit entries, newest first. A limit <= 0 returns
// every entry.
func (s *Store) History(ctx context.Context, limit int) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, operation, outcome, rules, ids, error, started_at, finished_at
		FROM operations ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastCommitted returns the newest committed entry, or nil if nothing was
// ever committed.
func (s *Store) LastCommitted(ctx context.Context) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, operation, outcome, rules, ids, error, started_at, finished_at
		FROM operations WHERE outcome = ? ORDER BY seq DESC LIMIT 1`, engine.OutcomeCommitted)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                 Entry
		rules, ids        string
		started, finished string
	)
	if err := row.Scan(&e.Seq, &e.Operation, &e.Outcome, &rules, &ids, &e.Error, &started, &finished); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(rules), &e.Rules); err != nil {
		return Entry{}, fmt.Errorf("decode rules of entry %d: %w", e.Seq, err)
	}
	if err := json.Unmarshal([]byte(ids), &e.IDs); err != nil {
		return Entry{}, fmt.Errorf("decode ids of entry %d: %w", e.Seq, err)
	}
	var err error
	if e.Started, err = parseTime(started); err != nil {
		return Entry{}, err
	}
	if e.Finished, err = parseTime(finished); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
