package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tallysync/internal/config"
	"tallysync/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	InsertCommitted(ctx context.Context, source model.Source, recordedAt time.Time, metrics model.Counters) (int64, error)
	// ListCommitted returns up to limit records for source, most recent first.
	ListCommitted(ctx context.Context, source model.Source, limit int) ([]model.CommittedRecord, error)
	QueryRange(ctx context.Context, q RangeQuery) ([]model.CommittedRecord, error)
	Aggregate(ctx context.Context, q AggregateQuery) ([]model.BucketTotal, error)
	Totals(ctx context.Context, source model.Source) (model.Counters, error)
	Latest(ctx context.Context, source model.Source) (model.CommittedRecord, bool, error)
}

type RangeQuery struct {
	Source model.Source
	Start  time.Time
	End    time.Time
	Limit  int
}

type AggregateQuery struct {
	Source model.Source
	Start  time.Time
	End    time.Time
	Bucket model.Bucket
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "mysql":
		return NewMySQL(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type dialect struct {
	name        string
	schema      []string
	numbered    bool
	returning   bool
	encodeTime  func(time.Time) any
	bucketLabel func(col string, b model.Bucket) string
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", b.d.name, err)
		}
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) InsertCommitted(ctx context.Context, source model.Source, recordedAt time.Time, metrics model.Counters) (int64, error) {
	if source == "" {
		return 0, errors.New("insert committed: empty source")
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	insert := b.rebind(`INSERT INTO committed_records (source, recorded_at, committed_at) VALUES (?, ?, ?)`)
	args := []any{string(source), b.d.encodeTime(recordedAt), b.d.encodeTime(nowUTC())}
	var id int64
	if b.d.returning {
		err = tx.QueryRowContext(ctx, insert+" RETURNING id", args...).Scan(&id)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, insert, args...)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(`INSERT INTO committed_metrics (record_id, metric, value) VALUES (?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for _, name := range sortedMetricNames(metrics) {
		if _, err := stmt.ExecContext(ctx, id, name, metrics[name]); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (b *baseStore) ListCommitted(ctx context.Context, source model.Source, limit int) ([]model.CommittedRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	inner := `SELECT id, source, recorded_at, committed_at FROM committed_records WHERE source = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`
	return b.loadRecords(ctx, inner, "r.recorded_at DESC, r.id DESC", string(source), limit)
}

func (b *baseStore) Latest(ctx context.Context, source model.Source) (model.CommittedRecord, bool, error) {
	inner := `SELECT id, source, recorded_at, committed_at FROM committed_records`
	var args []any
	if source != "" {
		inner += ` WHERE source = ?`
		args = append(args, string(source))
	}
	inner += ` ORDER BY recorded_at DESC, id DESC LIMIT 1`
	recs, err := b.loadRecords(ctx, inner, "r.recorded_at DESC, r.id DESC", args...)
	if err != nil || len(recs) == 0 {
		return model.CommittedRecord{}, false, err
	}
	return recs[0], true, nil
}

func (b *baseStore) QueryRange(ctx context.Context, q RangeQuery) ([]model.CommittedRecord, error) {
	where, args := b.rangeFilter("", q.Source, q.Start, q.End)
	inner := `SELECT id, source, recorded_at, committed_at FROM committed_records` + where + ` ORDER BY recorded_at ASC, id ASC`
	if q.Limit > 0 {
		inner += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return b.loadRecords(ctx, inner, "r.recorded_at ASC, r.id ASC", args...)
}

func (b *baseStore) Aggregate(ctx context.Context, q AggregateQuery) ([]model.BucketTotal, error) {
	bucket := q.Bucket
	if bucket == "" {
		bucket = model.BucketDay
	}
	where, args := b.rangeFilter("r.", q.Source, q.Start, q.End)
	query := `SELECT ` + b.d.bucketLabel("r.recorded_at", bucket) + ` AS bucket, m.metric, SUM(m.value)
		FROM committed_records r JOIN committed_metrics m ON m.record_id = r.id` + where + `
		GROUP BY 1, 2 ORDER BY 1, 2`
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.BucketTotal, 0)
	for rows.Next() {
		var label, metric string
		var sum int64
		if err := rows.Scan(&label, &metric, &sum); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Bucket != label {
			out = append(out, model.BucketTotal{Bucket: label, Metrics: model.Counters{}})
		}
		out[len(out)-1].Metrics[metric] = sum
	}
	return out, rows.Err()
}

func (b *baseStore) Totals(ctx context.Context, source model.Source) (model.Counters, error) {
	query := `SELECT m.metric, SUM(m.value) FROM committed_metrics m JOIN committed_records r ON r.id = m.record_id`
	var args []any
	if source != "" {
		query += ` WHERE r.source = ?`
		args = append(args, string(source))
	}
	query += ` GROUP BY m.metric`
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := model.Counters{}
	for rows.Next() {
		var metric string
		var sum int64
		if err := rows.Scan(&metric, &sum); err != nil {
			return nil, err
		}
		out[metric] = sum
	}
	return out, rows.Err()
}

func (b *baseStore) rangeFilter(prefix string, source model.Source, start, end time.Time) (string, []any) {
	var conds []string
	var args []any
	if source != "" {
		conds = append(conds, prefix+"source = ?")
		args = append(args, string(source))
	}
	if !start.IsZero() {
		conds = append(conds, prefix+"recorded_at >= ?")
		args = append(args, b.d.encodeTime(start))
	}
	if !end.IsZero() {
		conds = append(conds, prefix+"recorded_at <= ?")
		args = append(args, b.d.encodeTime(end))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (b *baseStore) loadRecords(ctx context.Context, inner, order string, args ...any) ([]model.CommittedRecord, error) {
	query := `SELECT r.id, r.source, r.recorded_at, r.committed_at, m.metric, m.value
		FROM (` + inner + `) r LEFT JOIN committed_metrics m ON m.record_id = r.id
		ORDER BY ` + order + `, m.metric`
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.CommittedRecord, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var (
			id       int64
			source   string
			recorded sqlTime
			commit   sqlTime
			metric   sql.NullString
			value    sql.NullInt64
		)
		if err := rows.Scan(&id, &source, &recorded, &commit, &metric, &value); err != nil {
			return nil, err
		}
		i, ok := index[id]
		if !ok {
			out = append(out, model.CommittedRecord{
				ID:          id,
				Source:      model.Source(source),
				RecordedAt:  recorded.Time,
				CommittedAt: commit.Time,
				Metrics:     model.Counters{},
			})
			i = len(out) - 1
			index[id] = i
		}
		if metric.Valid {
			out[i].Metrics[metric.String] = value.Int64
		}
	}
	return out, rows.Err()
}

// sqlTime scans the time representations used by the supported drivers:
// unix nanoseconds (sqlite), time.Time (pgx), and text (mysql without
// parseTime).
type sqlTime struct {
	Time time.Time
}

var sqlTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = x.UTC()
	case int64:
		t.Time = time.Unix(0, x).UTC()
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range sqlTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported time format %q", s)
}

func sortedMetricNames(metrics model.Counters) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
