package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heaptrace/heaptrace/internal/analyze"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite-backed Store kept in a single local
// file. It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when the report server
	// reads while a run is being saved; each call serialises through this
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS runs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_path   TEXT    NOT NULL,
    total_weight INTEGER NOT NULL,
    frequency    REAL    NOT NULL,
    error_bound  REAL    NOT NULL,
    hotspots     INTEGER NOT NULL,
    created_at   TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS hotspots (
    run_id INTEGER NOT NULL REFERENCES runs(id),
    rank   INTEGER NOT NULL,
    light  INTEGER NOT NULL,
    total  INTEGER NOT NULL,
    upper  INTEGER NOT NULL,
    frames TEXT    NOT NULL,
    PRIMARY KEY (run_id, rank)
);
`

// SaveResult implements Store. The run row and all hotspot rows are written
// in one transaction; a failed save leaves no partial run behind.
func (s *SQLiteStore) SaveResult(ctx context.Context, res *analyze.Result) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx,
		`INSERT INTO runs (trace_path, total_weight, frequency, error_bound, hotspots, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.TracePath,
		res.TotalWeight,
		res.Frequency,
		res.ErrorBound,
		len(res.Hotspots),
		res.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert run: %w", err)
	}
	runID, err := r.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: run id: %w", err)
	}

	for _, h := range res.Hotspots {
		frames, err := json.Marshal(h.Frames)
		if err != nil {
			return 0, fmt.Errorf("store: marshal frames: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO hotspots (run_id, rank, light, total, upper, frames)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, h.Rank, h.Light, h.Total, h.Upper, string(frames),
		)
		if err != nil {
			return 0, fmt.Errorf("store: insert hotspot %d: %w", h.Rank, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return runID, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_path, total_weight, frequency, error_bound, hotspots, created_at
		 FROM   runs
		 ORDER  BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run   Run
			tsStr string
		)
		if err := rows.Scan(&run.ID, &run.TracePath, &run.TotalWeight,
			&run.Frequency, &run.ErrorBound, &run.Hotspots, &tsStr); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		run.CreatedAt, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			run.CreatedAt, _ = time.Parse(time.RFC3339, tsStr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs rows: %w", err)
	}
	return runs, nil
}

// Hotspots implements Store.
func (s *SQLiteStore) Hotspots(ctx context.Context, runID int64) ([]analyze.Hotspot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rank, light, total, upper, frames
		 FROM   hotspots
		 WHERE  run_id = ?
		 ORDER  BY rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query hotspots: %w", err)
	}
	defer rows.Close()

	var out []analyze.Hotspot
	for rows.Next() {
		var (
			h         analyze.Hotspot
			framesStr string
		)
		if err := rows.Scan(&h.Rank, &h.Light, &h.Total, &h.Upper, &framesStr); err != nil {
			return nil, fmt.Errorf("store: scan hotspot: %w", err)
		}
		if err := json.Unmarshal([]byte(framesStr), &h.Frames); err != nil {
			h.Frames = nil
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: hotspot rows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
