//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/store/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/heaptrace/heaptrace/internal/store"
)

// setupPostgres starts a PostgreSQL container and returns an opened
// PostgresStore; the schema is applied by OpenPostgres itself.
func setupPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("heaptrace_test"),
		tcpostgres.WithUsername("heaptrace"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := store.OpenPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("store.OpenPostgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_SaveAndQuery(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	res := testResult("pg.ctf")
	runID, err := s.SaveResult(ctx, res)
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID || runs[0].TracePath != "pg.ctf" {
		t.Errorf("runs = %+v", runs)
	}

	hs, err := s.Hotspots(ctx, runID)
	if err != nil {
		t.Fatalf("Hotspots: %v", err)
	}
	if len(hs) != 2 {
		t.Fatalf("Hotspots = %d rows, want 2", len(hs))
	}
	if hs[0].Rank != 1 || hs[0].Light != 900 {
		t.Errorf("hotspot 1 = %+v", hs[0])
	}
	if len(hs[1].Frames) != 1 || hs[1].Frames[0].Defname != "encode" {
		t.Errorf("hotspot 2 frames = %+v", hs[1].Frames)
	}
}

func TestPostgres_MultipleRunsIsolated(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	a, err := s.SaveResult(ctx, testResult("a.ctf"))
	if err != nil {
		t.Fatalf("SaveResult a: %v", err)
	}
	b, err := s.SaveResult(ctx, testResult("b.ctf"))
	if err != nil {
		t.Fatalf("SaveResult b: %v", err)
	}

	ha, err := s.Hotspots(ctx, a)
	if err != nil {
		t.Fatalf("Hotspots a: %v", err)
	}
	hb, err := s.Hotspots(ctx, b)
	if err != nil {
		t.Fatalf("Hotspots b: %v", err)
	}
	if len(ha) != 2 || len(hb) != 2 {
		t.Errorf("hotspot counts = %d, %d; want 2, 2", len(ha), len(hb))
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != b {
		t.Errorf("runs = %+v, want newest first", runs)
	}
}
