// Package store keeps an index of finished searches in SQLite. Results are
// deterministic for a pattern and chunk geometry, so a stored match answers
// a repeated search without touching the device.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/finder"
)

// Key identifies a search up to its result.
type Key struct {
	Digest string
	Chunk  chunk.Dimensions
}

// Record is one finished search.
type Record struct {
	Key
	JobID    string
	Grid     [3]int
	Position finder.Position
	Scanned  uint64
	Chunks   uint32
	Elapsed  time.Duration
	Backend  string
	FoundAt  time.Time
}

// timeLayout is fixed width so found_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite result index. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the index at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS results (
			job_id TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			chunk_size INTEGER NOT NULL,
			chunk_margin INTEGER NOT NULL,
			world_height INTEGER NOT NULL,
			grid_x INTEGER NOT NULL,
			grid_y INTEGER NOT NULL,
			grid_z INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			scanned INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			backend TEXT NOT NULL,
			found_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS results_key ON results(digest, chunk_size, chunk_margin, world_height);`,
		`CREATE INDEX IF NOT EXISTS results_found_at ON results(found_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Record stores r, replacing any row with the same job id.
func (s *Store) Record(ctx context.Context, r Record) error {
	if r.FoundAt.IsZero() {
		r.FoundAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO results
		(job_id, digest, chunk_size, chunk_margin, world_height, grid_x, grid_y, grid_z,
		 x, y, z, scanned, chunks, elapsed_ms, backend, found_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Digest, r.Chunk.Size, r.Chunk.Margin, r.Chunk.Height,
		r.Grid[0], r.Grid[1], r.Grid[2],
		r.Position.X, r.Position.Y, r.Position.Z,
		int64(r.Scanned), int64(r.Chunks), r.Elapsed.Milliseconds(), r.Backend,
		r.FoundAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record result %s: %w", r.JobID, err)
	}
	return nil
}

const selectColumns = `SELECT job_id, digest, chunk_size, chunk_margin, world_height, grid_x, grid_y, grid_z,
	x, y, z, scanned, chunks, elapsed_ms, backend, found_at FROM results`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r       Record
		scanned int64
		chunks  int64
		elapsed int64
		foundAt string
	)
	err := row.Scan(&r.JobID, &r.Digest, &r.Chunk.Size, &r.Chunk.Margin, &r.Chunk.Height,
		&r.Grid[0], &r.Grid[1], &r.Grid[2],
		&r.Position.X, &r.Position.Y, &r.Position.Z,
		&scanned, &chunks, &elapsed, &r.Backend, &foundAt)
	if err != nil {
		return Record{}, err
	}
	r.Scanned = uint64(scanned)
	r.Chunks = uint32(chunks)
	r.Elapsed = time.Duration(elapsed) * time.Millisecond
	r.FoundAt, err = time.Parse(timeLayout, foundAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse found_at %q: %w", foundAt, err)
	}
	return r, nil
}

// Lookup returns the most recent result for k.
func (s *Store) Lookup(ctx context.Context, k Key) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE digest = ? AND chunk_size = ? AND chunk_margin = ? AND world_height = ?
		ORDER BY found_at DESC LIMIT 1`,
		k.Digest, k.Chunk.Size, k.Chunk.Margin, k.Chunk.Height)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Recent returns up to n results, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY found_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
