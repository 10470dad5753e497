package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tallysync/internal/model"
)

type memoryStore struct {
	mu      sync.RWMutex
	records []model.CommittedRecord
	nextID  int64
}

func NewMemory() Store {
	return &memoryStore{nextID: 1}
}

func (m *memoryStore) Init(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) InsertCommitted(ctx context.Context, source model.Source, recordedAt time.Time, metrics model.Counters) (int64, error) {
	if source == "" {
		return 0, errors.New("insert committed: empty source")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.records = append(m.records, model.CommittedRecord{
		ID:          id,
		Source:      source,
		RecordedAt:  recordedAt.UTC(),
		CommittedAt: nowUTC(),
		Metrics:     metrics.Clone(),
	})
	return id, nil
}

func (m *memoryStore) ListCommitted(ctx context.Context, source model.Source, limit int) ([]model.CommittedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	matched := m.filter(source, time.Time{}, time.Time{})
	sortNewestFirst(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *memoryStore) Latest(ctx context.Context, source model.Source) (model.CommittedRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.CommittedRecord{}, false, err
	}
	matched := m.filter(source, time.Time{}, time.Time{})
	if len(matched) == 0 {
		return model.CommittedRecord{}, false, nil
	}
	sortNewestFirst(matched)
	return matched[0], true, nil
}

func (m *memoryStore) QueryRange(ctx context.Context, q RangeQuery) ([]model.CommittedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := m.filter(q.Source, q.Start, q.End)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].RecordedAt.Equal(matched[j].RecordedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].RecordedAt.Before(matched[j].RecordedAt)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *memoryStore) Aggregate(ctx context.Context, q AggregateQuery) ([]model.BucketTotal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket := q.Bucket
	if bucket == "" {
		bucket = model.BucketDay
	}
	byLabel := make(map[string]model.Counters)
	for _, rec := range m.filter(q.Source, q.Start, q.End) {
		label := bucket.Label(rec.RecordedAt)
		sums, ok := byLabel[label]
		if !ok {
			sums = model.Counters{}
			byLabel[label] = sums
		}
		sums.Add(rec.Metrics)
	}
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	out := make([]model.BucketTotal, 0, len(labels))
	for _, label := range labels {
		out = append(out, model.BucketTotal{Bucket: label, Metrics: byLabel[label]})
	}
	return out, nil
}

func (m *memoryStore) Totals(ctx context.Context, source model.Source) (model.Counters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := model.Counters{}
	for _, rec := range m.filter(source, time.Time{}, time.Time{}) {
		out.Add(rec.Metrics)
	}
	return out, nil
}

func (m *memoryStore) filter(source model.Source, start, end time.Time) []model.CommittedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CommittedRecord, 0, len(m.records))
	for _, rec := range m.records {
		if source != "" && rec.Source != source {
			continue
		}
		if !start.IsZero() && rec.RecordedAt.Before(start) {
			continue
		}
		if !end.IsZero() && rec.RecordedAt.After(end) {
			continue
		}
		rec.Metrics = rec.Metrics.Clone()
		out = append(out, rec)
	}
	return out
}

func sortNewestFirst(recs []model.CommittedRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].RecordedAt.Equal(recs[j].RecordedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].RecordedAt.After(recs[j].RecordedAt)
	})
}
