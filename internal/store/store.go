// Package store persists analysis runs so reports can be compared across
// invocations and served over the report API. Two backends implement the
// same interface: a WAL-mode SQLite file for local use and PostgreSQL for a
// shared dashboard.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/heaptrace/heaptrace/internal/analyze"
	"github.com/heaptrace/heaptrace/internal/config"
)

// Run is one persisted analysis run.
type Run struct {
	ID          int64     `json:"id"`
	TracePath   string    `json:"trace_path"`
	TotalWeight int64     `json:"total_weight"`
	Frequency   float64   `json:"frequency"`
	ErrorBound  float64   `json:"error_bound"`
	Hotspots    int       `json:"hotspots"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence interface shared by the SQLite and PostgreSQL
// backends.
type Store interface {
	// SaveResult persists res as a new run with its ranked hotspots and
	// returns the run identifier.
	SaveResult(ctx context.Context, res *analyze.Result) (int64, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]Run, error)

	// Hotspots returns the ranked hotspots of one run, in rank order.
	Hotspots(ctx context.Context, runID int64) ([]analyze.Hotspot, error)

	// Close releases resources held by the store.
	Close() error
}

// Open constructs the store selected by cfg. An empty driver yields a nil
// Store and no error.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
