package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
)

func TestHooksMerge(t *testing.T) {
	var order []string
	a := Hooks{
		OnStart: func(Invocation) { order = append(order, "a-start") },
		OnError: func(Invocation, error) { order = append(order, "a-error") },
	}
	b := Hooks{
		OnStart: func(Invocation) { order = append(order, "b-start") },
		OnDone:  func(Invocation) { order = append(order, "b-done") },
	}

	merged := a.Merge(b)
	merged.OnStart(Invocation{})
	merged.OnDone(Invocation{})
	merged.OnError(Invocation{}, errors.New("x"))

	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error"}, order)
}

func TestHooksMergeEmpty(t *testing.T) {
	merged := Hooks{}.Merge(Hooks{})
	assert.Nil(t, merged.OnStart)
	assert.Nil(t, merged.OnDone)
	assert.Nil(t, merged.OnError)
}

type capturingLogger struct {
	debug []string
	errs  []string
	last  logging.LogFields
}

func (c *capturingLogger) With(logging.LogFields) logging.ServiceLogger { return c }
func (c *capturingLogger) Debug(msg string, fields logging.LogFields) {
	c.debug = append(c.debug, msg)
	c.last = fields
}
func (c *capturingLogger) Info(string, logging.LogFields) {}
func (c *capturingLogger) Error(msg string, _ error, fields logging.LogFields) {
	c.errs = append(c.errs, msg)
	c.last = fields
}
func (c *capturingLogger) Trace(string, logging.LogFields) {}

func TestLoggingHooks(t *testing.T) {
	log := &capturingLogger{}
	hooks := LoggingHooks(log)
	inv := Invocation{
		Processor:    "kafka",
		MetricType:   metric.FlowUser,
		MetricName:   "reads",
		ConnectionID: "ws-1",
		Duration:     15 * time.Millisecond,
		Status:       metric.StatusSuccess,
	}

	hooks.OnStart(inv)
	hooks.OnDone(inv)
	assert.Equal(t, []string{"Processor completed"}, log.debug)
	assert.Equal(t, "ws-1", log.last["connection_id"])
	assert.Equal(t, int64(15), log.last["duration_ms"])

	hooks.OnError(inv, errors.New("broker down"))
	assert.Equal(t, []string{"Processor failed"}, log.errs)
	assert.Equal(t, "kafka", log.last["processor"])
}

func TestAggregate(t *testing.T) {
	ok := Outcome{Status: metric.StatusSuccess}
	failed := Outcome{Status: metric.StatusFailed}
	errored := Outcome{Status: metric.StatusSuccess, Err: errors.New("x")}

	assert.Equal(t, metric.StatusSuccess, Aggregate(nil))
	assert.Equal(t, metric.StatusSuccess, Aggregate([]Outcome{ok, ok}))
	assert.Equal(t, metric.StatusFailed, Aggregate([]Outcome{ok, failed}))
	assert.Equal(t, metric.StatusFailed, Aggregate([]Outcome{failed, ok}))
	assert.Equal(t, metric.StatusFailed, Aggregate([]Outcome{errored, ok}))
}

func TestConnectionIDContext(t *testing.T) {
	_, ok := ConnectionIDFrom(t.Context())
	assert.False(t, ok)

	id, ok := ConnectionIDFrom(WithConnectionID(t.Context(), "tcp-9"))
	assert.True(t, ok)
	assert.Equal(t, "tcp-9", id)
}
