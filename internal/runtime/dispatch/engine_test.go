package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/internal/runtime/routing"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

type spyProcessor struct {
	status   metric.Status
	err      error
	delay    time.Duration
	panicVal any
	closeErr error

	calls  atomic.Int32
	closes atomic.Int32
}

func (s *spyProcessor) Process(ctx context.Context, _ metric.Request) (metric.Status, error) {
	s.calls.Add(1)
	if s.panicVal != nil {
		panic(s.panicVal)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.status == "" {
		return metric.StatusSuccess, s.err
	}
	return s.status, s.err
}

func (s *spyProcessor) Close() error {
	s.closes.Add(1)
	return s.closeErr
}

type recordingWriter struct {
	mu        sync.Mutex
	responses []metric.Response
	err       error
}

func (w *recordingWriter) WriteResponse(_ context.Context, resp metric.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses = append(w.responses, resp)
	return w.err
}

func (w *recordingWriter) all() []metric.Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]metric.Response(nil), w.responses...)
}

func validRequest(typ metric.Type) metric.Request {
	return metric.Request{Type: typ, Valid: true, Name: "reads", Timestamp: 1704164645, Value: 1}
}

func newEngine(t *testing.T, bindings []routing.Binding, opts Options) *Engine {
	t.Helper()
	table, err := routing.NewTable(bindings, metric.BuiltinTypes()...)
	require.NoError(t, err)
	engine, err := NewEngine(table, opts)
	require.NoError(t, err)
	return engine
}

func TestHandleUnroutedTypeWritesNothing(t *testing.T) {
	p := &spyProcessor{}
	engine := newEngine(t, []routing.Binding{{Type: metric.FlowUser, Name: "p", Processor: p}}, Options{})

	w := &recordingWriter{}
	require.NoError(t, engine.Handle(context.Background(), validRequest(metric.System), w))

	assert.Never(t, func() bool { return len(w.all()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, p.calls.Load())
}

func TestHandleInvalidRequest(t *testing.T) {
	p := &spyProcessor{}
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "p", Processor: p},
		{Type: metric.System, Name: "p", Processor: p},
	}, Options{})

	for _, req := range []metric.Request{
		metric.InvalidRequest([]byte("garbage")),
		{Type: metric.FlowUser, Name: "looks fine", Valid: false},
		{},
	} {
		w := &recordingWriter{}
		require.NoError(t, engine.Handle(context.Background(), req, w))
		assert.Equal(t, []metric.Response{metric.InvalidResponse}, w.all())
	}
	assert.Zero(t, p.calls.Load())
}

func TestHandleAggregatesWithAnd(t *testing.T) {
	tests := []struct {
		name string
		p1   metric.Status
		p2   metric.Status
		want metric.Status
	}{
		{"both succeed", metric.StatusSuccess, metric.StatusSuccess, metric.StatusSuccess},
		{"first fails", metric.StatusFailed, metric.StatusSuccess, metric.StatusFailed},
		{"second fails", metric.StatusSuccess, metric.StatusFailed, metric.StatusFailed},
		{"both fail", metric.StatusFailed, metric.StatusFailed, metric.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p1 := &spyProcessor{status: tt.p1}
			p2 := &spyProcessor{status: tt.p2}
			engine := newEngine(t, []routing.Binding{
				{Type: metric.FlowUser, Name: "p1", Processor: p1},
				{Type: metric.FlowUser, Name: "p2", Processor: p2},
			}, Options{})

			w := &recordingWriter{}
			require.NoError(t, engine.Handle(context.Background(), validRequest(metric.FlowUser), w))
			assert.Equal(t, []metric.Response{{Status: tt.want}}, w.all())
			assert.EqualValues(t, 1, p1.calls.Load())
			assert.EqualValues(t, 1, p2.calls.Load())
		})
	}
}

func TestHandleProcessorErrorCountsAsFailed(t *testing.T) {
	p1 := &spyProcessor{err: errors.New("downstream unreachable")}
	p2 := &spyProcessor{}
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "p1", Processor: p1},
		{Type: metric.FlowUser, Name: "p2", Processor: p2},
	}, Options{})

	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)
	assert.EqualValues(t, 1, p2.calls.Load())
}

func TestHandleUnexpectedStatusCountsAsFailed(t *testing.T) {
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "odd", Processor: &spyProcessor{status: metric.StatusInvalid}},
	}, Options{})

	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)
}

func TestHandlePanicCountsAsFailed(t *testing.T) {
	var gotErr error
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "boom", Processor: &spyProcessor{panicVal: "nil map"}},
		{Type: metric.FlowUser, Name: "ok", Processor: &spyProcessor{}},
	}, Options{Hooks: Hooks{OnError: func(_ Invocation, err error) { gotErr = err }}})

	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)

	var panicErr *errspkg.ProcessorPanicError
	require.ErrorAs(t, gotErr, &panicErr)
	assert.Equal(t, "boom", panicErr.Name)
}

func TestHandleTimeoutCountsAsFailed(t *testing.T) {
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	stuck := processor.FromFunc(func(context.Context, metric.Request) (metric.Status, error) {
		<-blocked
		return metric.StatusSuccess, nil
	})

	var errs []error
	var mu sync.Mutex
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "stuck", Processor: stuck},
		{Type: metric.FlowUser, Name: "ok", Processor: &spyProcessor{}},
	}, Options{
		Timeout: 20 * time.Millisecond,
		Hooks: Hooks{OnError: func(_ Invocation, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}},
	})

	start := time.Now()
	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)
	assert.Less(t, time.Since(start), time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errspkg.ErrProcessorTimeout)
}

func TestHandleFansOutConcurrently(t *testing.T) {
	const delay = 100 * time.Millisecond
	bindings := make([]routing.Binding, 0, 4)
	for i := 0; i < 4; i++ {
		bindings = append(bindings, routing.Binding{Type: metric.FlowUser, Name: "slow", Processor: &spyProcessor{delay: delay}})
	}
	engine := newEngine(t, bindings, Options{})

	start := time.Now()
	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.SuccessResponse, resp)
	assert.Less(t, time.Since(start), 3*delay)
}

func TestConcurrentRequestsDoNotBlockEachOther(t *testing.T) {
	const (
		delay    = 100 * time.Millisecond
		requests = 8
	)
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "slow-user", Processor: &spyProcessor{delay: delay}},
		{Type: metric.System, Name: "slow-system", Processor: &spyProcessor{delay: delay}},
	}, Options{})

	w := &recordingWriter{}
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < requests; i++ {
		typ := metric.FlowUser
		if i%2 == 0 {
			typ = metric.System
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.Handle(context.Background(), validRequest(typ), w))
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 3*delay)
	assert.Len(t, w.all(), requests)
}

func TestHandleReturnsWriteError(t *testing.T) {
	engine := newEngine(t, []routing.Binding{{Type: metric.FlowUser, Name: "p", Processor: &spyProcessor{}}}, Options{})
	w := &recordingWriter{err: errors.New("broken pipe")}
	err := engine.Handle(context.Background(), validRequest(metric.FlowUser), w)
	assert.EqualError(t, err, "broken pipe")
}

func TestScenarioDefaultAndSystemPlugin(t *testing.T) {
	def := &spyProcessor{status: metric.StatusFailed}
	extra := &spyProcessor{}

	build := func(_ context.Context, name string) (processor.Processor, error) {
		if name == "extra" {
			return extra, nil
		}
		return def, nil
	}
	table, err := routing.Build(context.Background(), routing.Options{
		Factory:       build,
		SystemPlugins: []string{"extra"},
	})
	require.NoError(t, err)
	engine, err := NewEngine(table, Options{})
	require.NoError(t, err)

	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.System))
	require.True(t, ok)
	assert.Equal(t, metric.SuccessResponse, resp)
	assert.EqualValues(t, 1, extra.calls.Load())
	assert.Zero(t, def.calls.Load())

	resp, ok = engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)
	assert.EqualValues(t, 1, def.calls.Load())
	assert.EqualValues(t, 1, extra.calls.Load())

	resp, ok = engine.Dispatch(context.Background(), validRequest(metric.FlowSystem))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)
}

func TestHooksSeeConnectionID(t *testing.T) {
	var started, done []Invocation
	var mu sync.Mutex
	hooks := Hooks{
		OnStart: func(inv Invocation) {
			mu.Lock()
			started = append(started, inv)
			mu.Unlock()
		},
	}.Merge(Hooks{
		OnDone: func(inv Invocation) {
			mu.Lock()
			done = append(done, inv)
			mu.Unlock()
		},
	})
	engine := newEngine(t, []routing.Binding{{Type: metric.FlowUser, Name: "p", Processor: &spyProcessor{}}}, Options{Hooks: hooks})

	ctx := WithConnectionID(context.Background(), "tcp-01")
	_, ok := engine.Dispatch(ctx, validRequest(metric.FlowUser))
	require.True(t, ok)

	require.Len(t, started, 1)
	require.Len(t, done, 1)
	assert.Equal(t, "tcp-01", done[0].ConnectionID)
	assert.Equal(t, "p", done[0].Processor)
	assert.Equal(t, metric.StatusSuccess, done[0].Status)
	assert.Equal(t, "reads", started[0].MetricName)
}

func TestMetricsRecordDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "ok", Processor: &spyProcessor{}},
		{Type: metric.FlowUser, Name: "bad", Processor: &spyProcessor{err: errors.New("nope")}},
	}, Options{Metrics: m})

	engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	engine.Dispatch(context.Background(), validRequest(metric.System))
	engine.Dispatch(context.Background(), metric.InvalidRequest(nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("flow_user", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unroutedTotal.WithLabelValues("system")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocationsTotal.WithLabelValues("bad", "flow_user", "ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocationsTotal.WithLabelValues("ok", "flow_user", "SUCCESS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	stats := m.Snapshot()
	assert.EqualValues(t, 3, stats.Requests)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.Invalid)
	assert.EqualValues(t, 1, stats.Unrouted)
	assert.EqualValues(t, 1, stats.ProcessorErrors)
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	require.NoError(t, first.Register())
	second := NewMetrics(reg)
	require.NoError(t, second.Register())

	second.recordUnrouted(metric.System)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.unroutedTotal.WithLabelValues("system")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Register())
	m.recordUnrouted(metric.System)
	assert.Zero(t, m.Snapshot().Requests)
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, Options{})
	assert.Error(t, err)

	table, err := routing.NewTable(nil)
	require.NoError(t, err)
	_, err = NewEngine(table, Options{Timeout: -time.Second})
	assert.Error(t, err)
}

func TestPanickingHooksDoNotChangeOutcome(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Options{Level: "error", Output: &buf})
	require.NoError(t, err)

	panicking := Hooks{
		OnStart: func(Invocation) { panic("start hook bug") },
		OnDone:  func(Invocation) { panic("done hook bug") },
		OnError: func(Invocation, error) { panic("error hook bug") },
	}
	ok1 := &spyProcessor{}
	ok2 := &spyProcessor{}
	engine := newEngine(t, []routing.Binding{
		{Type: metric.FlowUser, Name: "a", Processor: ok1},
		{Type: metric.FlowUser, Name: "b", Processor: ok2},
		{Type: metric.System, Name: "broken", Processor: &spyProcessor{err: errors.New("down")}},
	}, Options{Hooks: panicking, Logger: log})

	resp, ok := engine.Dispatch(context.Background(), validRequest(metric.FlowUser))
	require.True(t, ok)
	assert.Equal(t, metric.SuccessResponse, resp)
	assert.EqualValues(t, 1, ok1.calls.Load())
	assert.EqualValues(t, 1, ok2.calls.Load())

	resp, ok = engine.Dispatch(context.Background(), validRequest(metric.System))
	require.True(t, ok)
	assert.Equal(t, metric.FailedResponse, resp)

	out := buf.String()
	assert.Contains(t, out, "Processor hook panicked")
	assert.Contains(t, out, "done hook bug")
	assert.Contains(t, out, "error hook bug")
	assert.Contains(t, out, `"hook":"start"`)
}
