package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tallysync/internal/model"
)

// sqlite keeps timestamps as unix nanoseconds so ordering and range filters
// stay numeric.
var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS committed_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			committed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_committed_records_source_ts ON committed_records(source, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_committed_records_ts ON committed_records(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS committed_metrics (
			record_id INTEGER NOT NULL REFERENCES committed_records(id),
			metric TEXT NOT NULL,
			value INTEGER NOT NULL,
			PRIMARY KEY (record_id, metric)
		)`,
	},
	encodeTime: func(t time.Time) any { return t.UTC().UnixNano() },
	bucketLabel: func(col string, b model.Bucket) string {
		format := "%Y-%m-%d"
		switch b {
		case model.BucketHour:
			format = "%Y-%m-%d %H:00"
		case model.BucketWeek:
			format = "%G-W%V"
		case model.BucketMonth:
			format = "%Y-%m"
		}
		return "strftime('" + format + "', " + col + " / 1000000000, 'unixepoch')"
	},
}

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:tallysync.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection serialises writers instead of surfacing SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, d: sqliteDialect}}, nil
}
