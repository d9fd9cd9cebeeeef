// Package postgres provides a metric sink storing metrics in a PostgreSQL
// outbox table inside the "metricflow" schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/metricflow/processor"
	"github.com/drblury/metricflow/processor/internal/sqlsink"
)

// Name is the identifier used in the plugin lists.
const Name = "postgres"

// Dialect is the PostgreSQL outbox layout.
var Dialect = sqlsink.Dialect{
	Name: Name,
	Schema: []string{
		`CREATE SCHEMA IF NOT EXISTS metricflow`,
		`CREATE TABLE IF NOT EXISTS metricflow.metric_outbox (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			metric_type TEXT NOT NULL,
			name TEXT NOT NULL,
			ts BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			tags JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_outbox_type_ts ON metricflow.metric_outbox(metric_type, ts)`,
	},
	Insert: `INSERT INTO metricflow.metric_outbox (uuid, metric_type, name, ts, value, tags, created_at) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
	Count:  `SELECT COUNT(*) FROM metricflow.metric_outbox WHERE metric_type = $1`,
}

// OpenDB allows overriding the database creation for testing.
var OpenDB = func(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func init() {
	Register()
	processor.Register("postgresql", Build)
}

// Register adds the sink to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Build connects and creates the outbox table.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	dsn := cfg.GetPostgresURL()
	if dsn == "" {
		return nil, fmt.Errorf("postgres: connection url is required")
	}

	db, err := OpenDB(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	sink, err := sqlsink.Open(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}
