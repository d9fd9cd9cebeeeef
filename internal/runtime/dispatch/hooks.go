package dispatch

import (
	"context"
	"time"

	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
)

// Invocation describes one processor call made while dispatching a request.
type Invocation struct {
	// Processor is the name the processor was configured with.
	Processor string
	// MetricType is the routing key of the request.
	MetricType metric.Type
	// MetricName is the name carried by the request.
	MetricName string
	// ConnectionID identifies the connection the request arrived on, if known.
	ConnectionID string
	// Context is the context handed to the processor.
	Context context.Context
	// StartedAt is when the processor was invoked.
	StartedAt time.Time
	// Duration is how long the call took (only set in OnDone and OnError).
	Duration time.Duration
	// Status is the status the call contributed (only set in OnDone and OnError).
	Status metric.Status
}

// Hooks are callbacks run around every processor invocation. All hooks are
// optional. They run on the invoking goroutine and must be safe for
// concurrent use. A panicking hook is logged and ignored.
type Hooks struct {
	// OnStart is called before the processor is invoked.
	OnStart func(inv Invocation)
	// OnDone is called when the processor resolved to a status without error.
	OnDone func(inv Invocation)
	// OnError is called when the processor returned an error, panicked, or
	// timed out.
	OnError func(inv Invocation, err error)
}

// Merge returns hooks that call h first and other second.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chain(h.OnStart, other.OnStart),
		OnDone:  chain(h.OnDone, other.OnDone),
		OnError: chainError(h.OnError, other.OnError),
	}
}

func chain[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func chainError(a, b func(Invocation, error)) func(Invocation, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(inv Invocation, err error) {
		a(inv, err)
		b(inv, err)
	}
}

// LoggingHooks logs every invocation at debug level and failures at error
// level.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrDiscard(log)
	return Hooks{
		OnStart: func(inv Invocation) {
			log.Trace("Processor invoked", invocationFields(inv))
		},
		OnDone: func(inv Invocation) {
			fields := invocationFields(inv)
			fields["duration_ms"] = inv.Duration.Milliseconds()
			fields["status"] = string(inv.Status)
			log.Debug("Processor completed", fields)
		},
		OnError: func(inv Invocation, err error) {
			fields := invocationFields(inv)
			fields["duration_ms"] = inv.Duration.Milliseconds()
			log.Error("Processor failed", err, fields)
		},
	}
}

func invocationFields(inv Invocation) logging.LogFields {
	fields := logging.LogFields{
		"processor":   inv.Processor,
		"metric_type": inv.MetricType.String(),
		"metric_name": inv.MetricName,
	}
	if inv.ConnectionID != "" {
		fields["connection_id"] = inv.ConnectionID
	}
	return fields
}
