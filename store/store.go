// Package store persists run reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/goslang/vm"
)

var log = commonlog.GetLogger("goslang.store")

// ErrNotFound indicates the requested run doesn't exist.
var ErrNotFound = errors.New("run not found")

// Record is one persisted run.
type Record struct {
	ID          string     `json:"id"`
	ProgramHash string     `json:"program_hash"`
	CreatedAt   time.Time  `json:"created_at"`
	Report      *vm.Report `json:"report"`
}

// Store handles SQLite storage for run reports.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the run database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		program_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		report JSON NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened run store %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save persists a run, replacing any previous record with the same id.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.ID == "" {
		return errors.New("saving run: empty id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	data, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO runs (id, program_hash, created_at, report) VALUES (?, ?, ?, json(?))",
		r.ID, r.ProgramHash, r.CreatedAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// Get retrieves a run by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, program_hash, created_at, report FROM runs WHERE id = ?", id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return r, nil
}

// List returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, program_hash, created_at, report FROM runs ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ForProgram returns every run of the program with the given hash,
// newest first.
func (s *Store) ForProgram(ctx context.Context, hash string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, program_hash, created_at, report FROM runs WHERE program_hash = ? ORDER BY created_at DESC, id", hash)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("querying runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r       Record
		created int64
		data    string
	)
	if err := row.Scan(&r.ID, &r.ProgramHash, &created, &data); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created)
	r.Report = &vm.Report{}
	if err := json.Unmarshal([]byte(data), r.Report); err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", r.ID, err)
	}
	return &r, nil
}
