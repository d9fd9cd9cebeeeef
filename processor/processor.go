// Package processor defines the contract every metric processor satisfies and
// the registry that resolves configured processor identifiers to builders.
//
// Built-in processors live in sub-packages (flow, opentsdb, kafka, nats, ...)
// and register themselves with DefaultRegistry from init. Import
// github.com/drblury/metricflow/processor/all to register every one of them.
package processor

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/metricflow/metric"
)

// Processor consumes metric requests and reports a status per request.
//
// Process may be called concurrently from many requests and, for a processor
// bound to several metric types, from several bindings at once. The dispatch
// engine always calls Process on its own goroutine, so implementations may
// block until the outcome is known. Returning a non-nil error and returning
// metric.StatusFailed are treated identically.
//
// Close releases the processor's resources. The shutdown coordinator calls
// it exactly once, after the servers stopped accepting requests.
type Processor interface {
	Process(ctx context.Context, req metric.Request) (metric.Status, error)
	Close() error
}

// Builder constructs a processor from the service configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Processor, error)

// Config provides the configuration values processors read. It lets
// processor packages stay independent of the full config package.
type Config interface {
	// GetForwardTopicPrefix is prepended to the metric type to form the topic
	// or subject forwarding processors publish to.
	GetForwardTopicPrefix() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// OpenTSDB
	GetOpenTSDBAddress() string
}

// Func adapts a plain function into a Processor with a no-op Close.
type Func func(ctx context.Context, req metric.Request) (metric.Status, error)

// FromFunc wraps fn. The returned value is a pointer, so it can be bound to
// several metric types and still be closed once.
func FromFunc(fn Func) Processor {
	return &funcProcessor{fn: fn}
}

type funcProcessor struct {
	fn Func
}

func (f *funcProcessor) Process(ctx context.Context, req metric.Request) (metric.Status, error) {
	return f.fn(ctx, req)
}

func (f *funcProcessor) Close() error { return nil }

// CloseOnce makes a close function idempotent. Later calls return the error
// of the first call.
type CloseOnce struct {
	once sync.Once
	err  error
}

// Do runs fn on the first call only.
func (c *CloseOnce) Do(fn func() error) error {
	c.once.Do(func() {
		c.err = fn()
	})
	return c.err
}

// Topic builds the forwarding topic for a metric type.
func Topic(prefix string, t metric.Type) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + t.String()
}

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "metrics."
