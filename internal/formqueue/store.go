// Package formqueue persists contact form submissions that could not be
// delivered while the site origin was unreachable.
//
// The queue is a single sqlite table keyed by an auto-incrementing id. Records
// are appended by Enqueue, read back in insertion order by Drain and deleted one
// by one by Remove once the origin has accepted them. Records are never updated
// in place.
package formqueue

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	// DatabaseName is the file stem of the queue database.
	DatabaseName = "nextgen-forms"
	// SchemaVersion is the goose version the queue schema is migrated to.
	SchemaVersion = 1
	// TableName is the single table holding pending submissions.
	TableName = "pending-forms"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Submission is one pending form submission.
type Submission struct {
	ID        int64           `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type submissionRow struct {
	ID        int64  `db:"id"`
	Data      []byte `db:"data"`
	Timestamp int64  `db:"timestamp"`
}

func (r submissionRow) submission() Submission {
	return Submission{
		ID:        r.ID,
		Data:      json.RawMessage(r.Data),
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
	}
}

// StoreError reports a failed queue operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("formqueue %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the persistent queue. It is safe for concurrent use; writers from
// other processes are serialised by sqlite's own locking.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Path returns the database file for a storage directory.
func Path(dir string) string {
	return filepath.Join(dir, DatabaseName+".db")
}

// Open opens (creating if needed) the queue database in dir and migrates it to
// SchemaVersion.
func Open(dir string) (*Store, error) {
	dsn := Path(dir) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	return &Store{db: db, now: time.Now}, nil
}

func migrate(db *sqlx.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return fmt.Errorf("setting dialect for migrations: %w", err)
	}
	if err := goose.UpTo(db.DB, "migrations", SchemaVersion); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &StoreError{Op: "close", Err: err}
	}
	return nil
}

// Enqueue appends payload with the current time and returns its id. The
// payload must be JSON-serialisable; a json.RawMessage is stored as given.
func (s *Store) Enqueue(ctx context.Context, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, &StoreError{Op: "enqueue", Err: err}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO "pending-forms" (data, timestamp) VALUES (?, ?)`,
		data, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, &StoreError{Op: "enqueue", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "enqueue", Err: err}
	}
	return id, nil
}

// Drain returns every pending submission in insertion order. It does not
// remove anything.
func (s *Store) Drain(ctx context.Context) ([]Submission, error) {
	var rows []submissionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, data, timestamp FROM "pending-forms" ORDER BY id ASC`)
	if err != nil {
		return nil, &StoreError{Op: "drain", Err: err}
	}
	out := make([]Submission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.submission())
	}
	return out, nil
}

// Remove deletes the submission with id. Removing an unknown id is not an
// error.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM "pending-forms" WHERE id = ?`, id); err != nil {
		return &StoreError{Op: "remove", Err: err}
	}
	return nil
}

// Len reports how many submissions are pending.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM "pending-forms"`); err != nil {
		return 0, &StoreError{Op: "len", Err: err}
	}
	return n, nil
}
