package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heaptrace/heaptrace/internal/analyze"
)

// PostgresStore is a pgxpool-backed Store for a shared report database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a pgxpool connection to dsn, pings the database, and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const pgDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id           BIGSERIAL PRIMARY KEY,
    trace_path   TEXT             NOT NULL,
    total_weight BIGINT           NOT NULL,
    frequency    DOUBLE PRECISION NOT NULL,
    error_bound  DOUBLE PRECISION NOT NULL,
    hotspots     INTEGER          NOT NULL,
    created_at   TIMESTAMPTZ      NOT NULL
);
CREATE TABLE IF NOT EXISTS hotspots (
    run_id      BIGINT  NOT NULL REFERENCES runs(id),
    rank        INTEGER NOT NULL,
    light       BIGINT  NOT NULL,
    total       BIGINT  NOT NULL,
    upper_bound BIGINT  NOT NULL,
    frames      JSONB   NOT NULL,
    PRIMARY KEY (run_id, rank)
);
`

// SaveResult implements Store. The hotspot rows go out in a single
// pgx.Batch round-trip after the run row is inserted, all inside one
// transaction.
func (s *PostgresStore) SaveResult(ctx context.Context, res *analyze.Result) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var runID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO runs (trace_path, total_weight, frequency, error_bound, hotspots, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		res.TracePath, res.TotalWeight, res.Frequency, res.ErrorBound,
		len(res.Hotspots), res.CreatedAt,
	).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("store: insert run: %w", err)
	}

	b := &pgx.Batch{}
	for _, h := range res.Hotspots {
		frames, err := json.Marshal(h.Frames)
		if err != nil {
			return 0, fmt.Errorf("store: marshal frames: %w", err)
		}
		b.Queue(
			`INSERT INTO hotspots (run_id, rank, light, total, upper_bound, frames)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, h.Rank, h.Light, h.Total, h.Upper, frames,
		)
	}

	br := tx.SendBatch(ctx, b)
	for range res.Hotspots {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("store: batch insert hotspot: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("store: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return runID, nil
}

// ListRuns implements Store.
func (s *PostgresStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trace_path, total_weight, frequency, error_bound, hotspots, created_at
		FROM   runs
		ORDER  BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.TracePath, &run.TotalWeight,
			&run.Frequency, &run.ErrorBound, &run.Hotspots, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Hotspots implements Store.
func (s *PostgresStore) Hotspots(ctx context.Context, runID int64) ([]analyze.Hotspot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rank, light, total, upper_bound, frames
		FROM   hotspots
		WHERE  run_id = $1
		ORDER  BY rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query hotspots: %w", err)
	}
	defer rows.Close()

	var out []analyze.Hotspot
	for rows.Next() {
		var (
			h      analyze.Hotspot
			frames []byte
		)
		if err := rows.Scan(&h.Rank, &h.Light, &h.Total, &h.Upper, &frames); err != nil {
			return nil, fmt.Errorf("store: scan hotspot: %w", err)
		}
		if err := json.Unmarshal(frames, &h.Frames); err != nil {
			h.Frames = nil
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
