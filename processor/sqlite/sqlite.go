// Package sqlite provides a metric sink storing metrics in a SQLite outbox
// table, for single-node deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/metricflow/processor"
	"github.com/drblury/metricflow/processor/internal/sqlsink"
)

// Name is the identifier used in the plugin lists.
const Name = "sqlite"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "metricflow.db"

// Dialect is the SQLite outbox layout.
var Dialect = sqlsink.Dialect{
	Name: Name,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS metric_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			metric_type TEXT NOT NULL,
			name TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			tags TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_outbox_type_ts ON metric_outbox(metric_type, ts)`,
	},
	Insert: `INSERT INTO metric_outbox (uuid, metric_type, name, ts, value, tags, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	Count:  `SELECT COUNT(*) FROM metric_outbox WHERE metric_type = ?`,
}

// OpenDB allows overriding the database creation for testing.
var OpenDB = func(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent dispatch.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func init() {
	Register()
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Build opens the database and creates the outbox table.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	return New(ctx, cfg.GetSQLiteFile(), logger)
}

// New opens path (":memory:" is accepted) and returns the sink.
func New(ctx context.Context, path string, logger watermill.LoggerAdapter) (*sqlsink.Sink, error) {
	if path == "" {
		path = DefaultFilePath
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	sink, err := sqlsink.Open(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Debug("SQLite metric sink ready", watermill.LogFields{"file": path})
	}
	return sink, nil
}
