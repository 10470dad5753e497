package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"tallysync/internal/model"
)

// mysql cannot CREATE INDEX IF NOT EXISTS, so indexes live in the table DDL.
var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS committed_records (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			source VARCHAR(64) NOT NULL,
			recorded_at DATETIME(6) NOT NULL,
			committed_at DATETIME(6) NOT NULL,
			INDEX idx_committed_records_source_ts (source, recorded_at),
			INDEX idx_committed_records_ts (recorded_at)
		)`,
		`CREATE TABLE IF NOT EXISTS committed_metrics (
			record_id BIGINT NOT NULL,
			metric VARCHAR(64) NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (record_id, metric),
			FOREIGN KEY (record_id) REFERENCES committed_records(id)
		)`,
	},
	encodeTime: func(t time.Time) any { return t.UTC() },
	bucketLabel: func(col string, b model.Bucket) string {
		format := "%Y-%m-%d"
		switch b {
		case model.BucketHour:
			format = "%Y-%m-%d %H:00"
		case model.BucketWeek:
			format = "%x-W%v"
		case model.BucketMonth:
			format = "%Y-%m"
		}
		return "DATE_FORMAT(" + col + ", '" + format + "')"
	},
}

type mysqlStore struct {
	baseStore
}

func NewMySQL(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "root@tcp(localhost:3306)/tallysync"
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return &mysqlStore{baseStore{db: sql.OpenDB(connector), d: mysqlDialect}}, nil
}
