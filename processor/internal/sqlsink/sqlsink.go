// Package sqlsink stores metrics in a SQL outbox table. The sqlite and
// postgres processors share it and differ only in their Dialect.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/ids"
	"github.com/drblury/metricflow/internal/runtime/jsoncodec"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

// Dialect holds the statements that differ between databases.
type Dialect struct {
	// Name identifies the processor in errors.
	Name string
	// Schema is executed in order when the sink opens.
	Schema []string
	// Insert takes uuid, metric_type, name, ts, value, tags, created_at.
	Insert string
	// Count takes metric_type.
	Count string
}

// Sink is a processor writing one outbox row per request.
type Sink struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	closed atomic.Bool
	once   processor.CloseOnce
}

// Open applies the dialect schema and returns a sink owning db.
func Open(ctx context.Context, db *sql.DB, dialect Dialect) (*Sink, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: initialize schema: %w", dialect.Name, err)
		}
	}
	return &Sink{db: db, dialect: dialect, now: time.Now}, nil
}

// Process inserts req. Database errors report FAILED.
func (s *Sink) Process(ctx context.Context, req metric.Request) (metric.Status, error) {
	if s.closed.Load() {
		return metric.StatusFailed, errspkg.ErrProcessorClosed
	}

	tags := []byte("{}")
	if len(req.Tags) > 0 {
		encoded, err := jsoncodec.Marshal(req.Tags)
		if err != nil {
			return metric.StatusFailed, fmt.Errorf("%s: encode tags: %w", s.dialect.Name, err)
		}
		tags = encoded
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Insert,
		ids.CreateULID(),
		req.Type.String(),
		req.Name,
		req.Timestamp,
		req.Value,
		string(tags),
		s.now().UTC(),
	)
	if err != nil {
		return metric.StatusFailed, fmt.Errorf("%s: insert metric %q: %w", s.dialect.Name, req.Name, err)
	}
	return metric.StatusSuccess, nil
}

// Count returns how many rows of metric type t are stored.
func (s *Sink) Count(ctx context.Context, t metric.Type) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.dialect.Count, t.String()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DB exposes the underlying database handle.
func (s *Sink) DB() *sql.DB { return s.db }

// Close closes the database once.
func (s *Sink) Close() error {
	return s.once.Do(func() error {
		s.closed.Store(true)
		return s.db.Close()
	})
}
