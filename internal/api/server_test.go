package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tallysync/internal/config"
	"tallysync/internal/history"
	"tallysync/internal/ingest"
	"tallysync/internal/model"
	"tallysync/internal/observability"
	"tallysync/internal/reconcile"
	"tallysync/internal/snapshot"
	"tallysync/internal/storage"
)

type testEnv struct {
	handler http.Handler
	snaps   *snapshot.Store
	store   storage.Store
	hist    *history.Store
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.ManualRate = 0
	if mutate != nil {
		mutate(cfg)
	}
	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	snaps := snapshot.NewStore()
	store := storage.NewMemory()
	hist := history.NewStore(50)
	eng := reconcile.NewEngine(cfg, nil, snaps, store, hist, metrics)
	sub := ingest.NewSubscriber(cfg, snaps, metrics, nil)
	srv := NewServer(Deps{
		Config:    config.NewStaticManager(cfg),
		Engine:    eng,
		Snapshots: snaps,
		Store:     store,
		History:   hist,
		Push:      ingest.NewPushHandler(sub, nil),
		Gatherer:  reg,
		Version:   "test",
	})
	return &testEnv{handler: srv.Handler(), snaps: snaps, store: store, hist: hist}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestManualReconcile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/reconcile/A", "")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != string(model.OutcomeNoSnapshot) {
		t.Fatalf("expected no_snapshot, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/telemetry/A", `{"car_up":6,"truck_up":1,"bus_up":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("push: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/reconcile/A", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	committed, _ := body["committed"].(map[string]any)
	if committed["car_up"] != float64(6) || committed["big_vehicle_up"] != float64(3) {
		t.Fatalf("committed: %v", body)
	}

	rec = env.do(t, http.MethodPost, "/reconcile/A", "")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != string(model.OutcomeNothingToCommit) {
		t.Fatalf("expected nothing_to_commit, got %d %s", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, http.MethodPost, "/reconcile/Z", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown source, got %d", rec.Code)
	}
}

func TestManualReconcileRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.API.ManualRate = 0.001
		c.API.ManualBurst = 1
	})
	if rec := env.do(t, http.MethodPost, "/reconcile/A", ""); rec.Code != http.StatusOK {
		t.Fatalf("first call: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/reconcile/A", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func seedRecords(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()
	day := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	for i, src := range []model.Source{"A", "A", "B"} {
		if _, err := st.InsertCommitted(ctx, src, day.Add(time.Duration(i)*time.Hour), model.Counters{"car_up": int64(i + 1)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestRecordQueries(t *testing.T) {
	env := newTestEnv(t, nil)
	seedRecords(t, env.store)

	rec := env.do(t, http.MethodGet, "/records?source=A&start=2024-06-03T00:00:00Z&end=2024-06-04T00:00:00Z", "")
	if rec.Code != http.StatusOK || decode(t, rec)["count"] != float64(2) {
		t.Fatalf("records: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/records/aggregate?bucket=day", "")
	body := decode(t, rec)
	buckets, _ := body["buckets"].([]any)
	if rec.Code != http.StatusOK || len(buckets) != 1 {
		t.Fatalf("aggregate: %d %s", rec.Code, rec.Body.String())
	}
	first, _ := buckets[0].(map[string]any)
	metrics, _ := first["metrics"].(map[string]any)
	if first["bucket"] != "2024-06-03" || metrics["car_up"] != float64(6) {
		t.Fatalf("aggregate bucket: %v", first)
	}

	rec = env.do(t, http.MethodGet, "/records/totals?source=A", "")
	if decode(t, rec)["total"] != float64(3) {
		t.Fatalf("totals: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/records/latest?source=B", "")
	if rec.Code != http.StatusOK || decode(t, rec)["source"] != "B" {
		t.Fatalf("latest: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/records/latest?source=C", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("latest for empty source: %d", rec.Code)
	}

	bad := []string{
		"/records?start=yesterday",
		"/records?start=2024-06-04T00:00:00Z&end=2024-06-03T00:00:00Z",
		"/records/aggregate?bucket=year",
	}
	for _, path := range bad {
		if rec := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/records/totals?source=Z", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source totals: %d", rec.Code)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	seedRecords(t, env.store)
	env.snaps.Put(model.Snapshot{Source: "A", Counters: model.Counters{"car_up": 10}})

	if rec := env.do(t, http.MethodGet, "/baseline/A", ""); decode(t, rec)["total"] != float64(3) {
		t.Fatalf("baseline: %s", rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/snapshots/A", ""); rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/snapshots/B", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/reconcile/A", ""); rec.Code != http.StatusCreated {
		t.Fatalf("reconcile: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/runs", ""); decode(t, rec)["count"] != float64(1) {
		t.Fatalf("runs: %s", rec.Body.String())
	}
	rec := env.do(t, http.MethodGet, "/status", "")
	status := decode(t, rec)
	if status["snapshots"] != float64(1) || status["version"] != "test" {
		t.Fatalf("status: %v", status)
	}

	if rec := env.do(t, http.MethodPost, "/admin/clear", `{"target":"all"}`); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	if env.snaps.Len() != 0 || len(env.hist.List(0)) != 0 {
		t.Fatalf("clear did not reset in-memory state")
	}
	if rec := env.do(t, http.MethodPost, "/admin/clear", `{"target":"records"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("clear records must be rejected: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tallysync_reconciliations_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}
