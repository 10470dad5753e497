package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tallysync/internal/model"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS committed_records (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_committed_records_source_ts ON committed_records(source, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_committed_records_ts ON committed_records(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS committed_metrics (
			record_id BIGINT NOT NULL REFERENCES committed_records(id),
			metric TEXT NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (record_id, metric)
		)`,
	},
	numbered:   true,
	returning:  true,
	encodeTime: func(t time.Time) any { return t.UTC() },
	bucketLabel: func(col string, b model.Bucket) string {
		format := "YYYY-MM-DD"
		switch b {
		case model.BucketHour:
			format = "YYYY-MM-DD HH24:00"
		case model.BucketWeek:
			format = `IYYY-"W"IW`
		case model.BucketMonth:
			format = "YYYY-MM"
		}
		return "to_char(" + col + " AT TIME ZONE 'UTC', '" + format + "')"
	},
}

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/tallysync?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: postgresDialect}}, nil
}
