// Package dispatch fans a decoded metric request out to every processor bound
// to its type, folds the outcomes into one status, and writes one response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/internal/runtime/routing"
	"github.com/drblury/metricflow/metric"
)

const tracerName = "github.com/drblury/metricflow/dispatch"

// ResponseWriter writes a response back to the connection a request came
// from.
type ResponseWriter interface {
	WriteResponse(ctx context.Context, resp metric.Response) error
}

// ResponseWriterFunc adapts a function to ResponseWriter.
type ResponseWriterFunc func(ctx context.Context, resp metric.Response) error

func (f ResponseWriterFunc) WriteResponse(ctx context.Context, resp metric.Response) error {
	return f(ctx, resp)
}

// Options configures an Engine.
type Options struct {
	// Timeout bounds every processor invocation. Zero disables the bound.
	Timeout time.Duration
	Hooks   Hooks
	Metrics *Metrics
	Logger  logging.ServiceLogger
	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// Engine dispatches requests against an immutable routing table. It is safe
// for concurrent use and holds no locks while processors run.
type Engine struct {
	table   *routing.Table
	timeout time.Duration
	hooks   Hooks
	metrics *Metrics
	log     logging.ServiceLogger
	tracer  trace.Tracer

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEngine returns an engine serving table.
func NewEngine(table *routing.Table, opts Options) (*Engine, error) {
	if table == nil {
		return nil, errors.New("dispatch: routing table is required")
	}
	if opts.Timeout < 0 {
		return nil, errors.New("dispatch: timeout must not be negative")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		table:   table,
		timeout: opts.Timeout,
		hooks:   opts.Hooks,
		metrics: opts.Metrics,
		log:     logging.OrDiscard(opts.Logger).With(logging.LogFields{"component": "dispatch"}),
		tracer:  tracer,
	}, nil
}

// Table returns the routing table the engine serves.
func (e *Engine) Table() *routing.Table { return e.table }

// Metrics returns the engine's metrics, which may be nil.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Handle dispatches req and writes the response through w. Exactly one
// response is written, except for valid requests whose type has no bound
// processor, which are answered with nothing. The returned error is the
// write error, if any; processor failures never surface here.
func (e *Engine) Handle(ctx context.Context, req metric.Request, w ResponseWriter) error {
	resp, ok := e.Dispatch(ctx, req)
	if !ok {
		return nil
	}
	return w.WriteResponse(ctx, resp)
}

// Dispatch computes the response for req. ok is false when req is valid but
// no processor is bound to its type.
func (e *Engine) Dispatch(ctx context.Context, req metric.Request) (resp metric.Response, ok bool) {
	if !req.Valid {
		e.log.Debug("Rejecting invalid request", logging.LogFields{"frame": string(req.Raw)})
		e.metrics.recordResponse(req.Type, metric.StatusInvalid)
		return metric.InvalidResponse, true
	}

	bindings := e.table.Lookup(req.Type)
	if len(bindings) == 0 {
		e.log.Debug("No processor bound, request left unanswered", logging.LogFields{
			"metric_type": req.Type.String(),
			"metric_name": req.Name,
		})
		e.metrics.recordUnrouted(req.Type)
		return metric.Response{}, false
	}

	e.metrics.begin()
	defer e.metrics.end()

	ctx, span := e.tracer.Start(ctx, "metricflow.dispatch", trace.WithAttributes(
		attribute.String("metric.type", req.Type.String()),
		attribute.String("metric.name", req.Name),
		attribute.Int("dispatch.processors", len(bindings)),
	))
	defer span.End()

	outcomes := make([]Outcome, len(bindings))
	var wg sync.WaitGroup
	for i, b := range bindings {
		wg.Go(func() {
			outcomes[i] = e.invoke(ctx, b, req)
		})
	}
	wg.Wait()

	status := Aggregate(outcomes)
	span.SetAttributes(attribute.String("dispatch.status", string(status)))
	if status != metric.StatusSuccess {
		span.SetStatus(codes.Error, "one or more processors failed")
	}
	e.metrics.recordResponse(req.Type, status)
	return metric.Response{Status: status}, true
}

func (e *Engine) invoke(ctx context.Context, b routing.Binding, req metric.Request) Outcome {
	ctx, span := e.tracer.Start(ctx, "metricflow.processor", trace.WithAttributes(
		attribute.String("processor.name", b.Name),
		attribute.String("metric.type", req.Type.String()),
	))
	defer span.End()

	connID, _ := ConnectionIDFrom(ctx)
	inv := Invocation{
		Processor:    b.Name,
		MetricType:   req.Type,
		MetricName:   req.Name,
		ConnectionID: connID,
		Context:      ctx,
		StartedAt:    time.Now(),
	}
	if e.hooks.OnStart != nil {
		e.safeHook("start", inv, func() { e.hooks.OnStart(inv) })
	}

	status, err := e.call(ctx, b, req)
	if err != nil || status != metric.StatusSuccess {
		status = metric.StatusFailed
	}
	inv.Duration = time.Since(inv.StartedAt)
	inv.Status = status

	out := Outcome{Processor: b.Name, Status: status, Err: err, Duration: inv.Duration}
	var panicErr *errspkg.ProcessorPanicError
	e.metrics.recordInvocation(req.Type, out, errors.Is(err, errspkg.ErrProcessorTimeout), errors.As(err, &panicErr))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnError != nil {
			e.safeHook("error", inv, func() { e.hooks.OnError(inv, err) })
		}
		return out
	}
	if status != metric.StatusSuccess {
		span.SetStatus(codes.Error, string(status))
	}
	if e.hooks.OnDone != nil {
		e.safeHook("done", inv, func() { e.hooks.OnDone(inv) })
	}
	return out
}

// call invokes the processor, enforcing the timeout when one is set. A
// processor that ignores its context is abandoned once the timeout fires.
func (e *Engine) call(ctx context.Context, b routing.Binding, req metric.Request) (metric.Status, error) {
	if e.timeout <= 0 {
		return safeProcess(ctx, b, req)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		status metric.Status
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := safeProcess(ctx, b, req)
		done <- result{status, err}
	}()

	select {
	case r := <-done:
		return r.status, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return metric.StatusFailed, errspkg.ErrProcessorTimeout
		}
		return metric.StatusFailed, ctx.Err()
	}
}

func safeProcess(ctx context.Context, b routing.Binding, req metric.Request) (status metric.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = metric.StatusFailed
			err = &errspkg.ProcessorPanicError{Name: b.Name, Value: r}
		}
	}()
	return b.Processor.Process(ctx, req)
}

// safeHook runs a processor hook. A panicking hook is logged and does not
// change the outcome of the invocation.
func (e *Engine) safeHook(stage string, inv Invocation, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			fields := invocationFields(inv)
			fields["hook"] = stage
			e.log.Error("Processor hook panicked", fmt.Errorf("hook panic: %v", r), fields)
		}
	}()
	fn()
}
