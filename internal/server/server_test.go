package server_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/heaptrace/heaptrace/internal/analyze"
	"github.com/heaptrace/heaptrace/internal/server"
	"github.com/heaptrace/heaptrace/internal/store"
)

// ---------------------------------------------------------------------------
// Fake store
// ---------------------------------------------------------------------------

// fakeStore implements store.Store in memory for handler tests.
type fakeStore struct {
	runs     []store.Run
	hotspots map[int64][]analyze.Hotspot
	fail     bool
}

func (f *fakeStore) SaveResult(context.Context, *analyze.Result) (int64, error) {
	return 0, errors.New("not used in handler tests")
}

func (f *fakeStore) ListRuns(context.Context) ([]store.Run, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	return f.runs, nil
}

func (f *fakeStore) Hotspots(_ context.Context, runID int64) ([]analyze.Hotspot, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	return f.hotspots[runID], nil
}

func (f *fakeStore) Close() error { return nil }

func newTestServer(t *testing.T, st store.Store, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(server.NewRouter(server.NewServer(st, logger), pub))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeStore{}, nil)
	resp, body := get(t, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d", resp.StatusCode)
	}
	var m map[string]string
	if err := json.Unmarshal(body, &m); err != nil || m["status"] != "ok" {
		t.Errorf("healthz body = %s", body)
	}
}

func TestListRuns(t *testing.T) {
	st := &fakeStore{
		runs: []store.Run{
			{ID: 2, TracePath: "b.ctf", TotalWeight: 100, Hotspots: 3, CreatedAt: time.Now()},
			{ID: 1, TracePath: "a.ctf", TotalWeight: 50, Hotspots: 1, CreatedAt: time.Now()},
		},
	}
	ts := newTestServer(t, st, nil)

	resp, body := get(t, ts.URL+"/api/v1/runs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/v1/runs = %d", resp.StatusCode)
	}
	var runs []store.Run
	if err := json.Unmarshal(body, &runs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != 2 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGetHotspots(t *testing.T) {
	st := &fakeStore{
		hotspots: map[int64][]analyze.Hotspot{
			7: {{Rank: 1, Light: 10, Total: 10, Upper: 12}},
		},
	}
	ts := newTestServer(t, st, nil)

	resp, body := get(t, ts.URL+"/api/v1/runs/7/hotspots", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET hotspots = %d", resp.StatusCode)
	}
	var hs []analyze.Hotspot
	if err := json.Unmarshal(body, &hs); err != nil || len(hs) != 1 || hs[0].Rank != 1 {
		t.Errorf("hotspots = %s (err %v)", body, err)
	}

	resp, _ = get(t, ts.URL+"/api/v1/runs/999/hotspots", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run = %d, want 404", resp.StatusCode)
	}

	resp, _ = get(t, ts.URL+"/api/v1/runs/not-a-number/hotspots", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id = %d, want 400", resp.StatusCode)
	}
}

func TestStoreFailure_Returns500(t *testing.T) {
	ts := newTestServer(t, &fakeStore{fail: true}, nil)
	resp, _ := get(t, ts.URL+"/api/v1/runs", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing store = %d, want 500", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// JWT middleware
// ---------------------------------------------------------------------------

func signedToken(t *testing.T, key *rsa.PrivateKey, expires time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWT_ProtectsAPIRoutes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ts := newTestServer(t, &fakeStore{}, &key.PublicKey)

	// No token.
	resp, _ := get(t, ts.URL+"/api/v1/runs", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	// Expired token.
	resp, _ = get(t, ts.URL+"/api/v1/runs", signedToken(t, key, time.Now().Add(-time.Hour)))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expired token = %d, want 401", resp.StatusCode)
	}

	// Token signed by a different key.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	resp, _ = get(t, ts.URL+"/api/v1/runs", signedToken(t, other, time.Now().Add(time.Hour)))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", resp.StatusCode)
	}

	// Valid token.
	resp, _ = get(t, ts.URL+"/api/v1/runs", signedToken(t, key, time.Now().Add(time.Hour)))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = get(t, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz with JWT enabled = %d, want 200", resp.StatusCode)
	}
}

func scopedToken(t *testing.T, key *rsa.PrivateKey, scopes []string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":    "tester",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": scopes,
	})
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWT_ScopeEnforcement(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ts := newTestServer(t, &fakeStore{}, &key.PublicKey)

	// A scope list without reports access is rejected with 403.
	resp, _ := get(t, ts.URL+"/api/v1/runs", scopedToken(t, key, []string{"traces:write"}))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong scope = %d, want 403", resp.StatusCode)
	}

	// The reports:read scope is accepted.
	resp, _ = get(t, ts.URL+"/api/v1/runs", scopedToken(t, key, []string{server.ScopeReadReports}))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reports:read scope = %d, want 200", resp.StatusCode)
	}
}
