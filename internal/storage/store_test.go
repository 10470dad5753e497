package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tallysync/internal/config"
	"tallysync/internal/model"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tally.db")
	st, err := NewSQLite("file:" + path + "?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return st
}

// exerciseStore runs the same behaviour checks against any Store.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	day1 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	inserts := []struct {
		source  model.Source
		at      time.Time
		metrics model.Counters
	}{
		{"A", day1, model.Counters{"car_up": 5, "bus_up": 1}},
		{"A", day1.Add(2 * time.Minute), model.Counters{"car_up": 3}},
		{"B", day1.Add(4 * time.Minute), model.Counters{"car_up": 7}},
		{"A", day2, model.Counters{"car_up": 2, "bus_up": 4}},
	}
	var lastID int64
	for _, in := range inserts {
		id, err := st.InsertCommitted(ctx, in.source, in.at, in.metrics)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if id <= lastID {
			t.Fatalf("ids should increase, got %d after %d", id, lastID)
		}
		lastID = id
	}

	recs, err := st.ListCommitted(ctx, "A", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records for A, got %d", len(recs))
	}
	if !recs[0].RecordedAt.Equal(day2) || recs[0].Metrics.Get("bus_up") != 4 {
		t.Fatalf("newest record first, got %+v", recs[0])
	}
	if !recs[2].RecordedAt.Equal(day1) || recs[2].Metrics.Get("car_up") != 5 {
		t.Fatalf("oldest record last, got %+v", recs[2])
	}

	limited, err := st.ListCommitted(ctx, "A", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit: %d %v", len(limited), err)
	}

	ranged, err := st.QueryRange(ctx, RangeQuery{Start: day1.Add(time.Minute), End: day1.Add(time.Hour)})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(ranged) != 2 || ranged[0].Source != "A" || ranged[1].Source != "B" {
		t.Fatalf("range result: %+v", ranged)
	}

	buckets, err := st.Aggregate(ctx, AggregateQuery{Source: "A", Bucket: model.BucketDay})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 day buckets, got %+v", buckets)
	}
	if buckets[0].Bucket != "2024-03-04" || buckets[0].Metrics.Get("car_up") != 8 || buckets[0].Metrics.Get("bus_up") != 1 {
		t.Fatalf("first bucket: %+v", buckets[0])
	}
	if buckets[1].Bucket != "2024-03-05" || buckets[1].Metrics.Get("bus_up") != 4 {
		t.Fatalf("second bucket: %+v", buckets[1])
	}

	totals, err := st.Totals(ctx, "A")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Get("car_up") != 10 || totals.Get("bus_up") != 5 {
		t.Fatalf("totals: %v", totals)
	}
	all, err := st.Totals(ctx, "")
	if err != nil || all.Get("car_up") != 17 {
		t.Fatalf("all totals: %v %v", all, err)
	}

	latest, ok, err := st.Latest(ctx, "B")
	if err != nil || !ok {
		t.Fatalf("latest: %v %v", ok, err)
	}
	if latest.Metrics.Get("car_up") != 7 {
		t.Fatalf("latest B: %+v", latest)
	}
	if _, ok, err := st.Latest(ctx, "C"); err != nil || ok {
		t.Fatalf("latest for empty source should be absent: %v %v", ok, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLiteStore(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteInsertEmptyMetrics(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	id, err := st.InsertCommitted(ctx, "A", time.Now(), model.Counters{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	recs, err := st.ListCommitted(ctx, "A", 0)
	if err != nil || len(recs) != 1 || recs[0].ID != id {
		t.Fatalf("list: %+v %v", recs, err)
	}
	if len(recs[0].Metrics) != 0 {
		t.Fatalf("expected no metric rows, got %v", recs[0].Metrics)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	st := newSQLiteStore(t)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestInsertRejectsEmptySource(t *testing.T) {
	for name, st := range map[string]Store{"sqlite": newSQLiteStore(t), "memory": NewMemory()} {
		if _, err := st.InsertCommitted(context.Background(), "", time.Now(), model.Counters{"x": 1}); err == nil {
			t.Fatalf("%s: expected error for empty source", name)
		}
	}
}

func TestNewStoreDrivers(t *testing.T) {
	if _, err := NewStore(config.StorageConfig{Driver: "cassandra"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	st, err := NewStore(config.StorageConfig{Driver: "memory"})
	if err != nil || st == nil {
		t.Fatalf("memory driver: %v", err)
	}
}

func TestMemoryHourBuckets(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 8, 10, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := st.InsertCommitted(ctx, "A", base.Add(time.Duration(i)*40*time.Minute), model.Counters{"car_up": 1}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	buckets, err := st.Aggregate(ctx, AggregateQuery{Bucket: model.BucketHour})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Bucket != "2024-01-01 08:00" || buckets[0].Metrics.Get("car_up") != 2 {
		t.Fatalf("hour buckets: %+v", buckets)
	}
}
