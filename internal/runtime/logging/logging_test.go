package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newFakeAdapter()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "engine"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"connection_id": "c1"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 6)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "engine", base.entries[0].fields["component"])
	assert.Equal(t, "with", base.entries[4].level)
	assert.Equal(t, "c1", base.entries[4].fields["connection_id"])
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newFakeAdapter())
	assert.Same(t, logger, logger.With(nil))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &fakeServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	require.Len(t, base.entries, 4)
	assert.Equal(t, "v", base.entries[0].fields["k"])
	assert.Equal(t, "error", base.entries[3].level)
}

func TestAdapterRoundTripUnwraps(t *testing.T) {
	base := &fakeServiceLogger{}
	adapter := NewWatermillAdapter(base)
	assert.Same(t, base, FromWatermill(adapter))

	inner := newFakeAdapter()
	wrapped := NewWatermillServiceLogger(inner)
	assert.Same(t, inner, NewWatermillAdapter(wrapped))
}

func TestDiscardAndOrDiscard(t *testing.T) {
	d := Discard()
	d.Info("dropped", LogFields{"k": "v"})
	d.Error("dropped", errors.New("x"), nil)

	assert.NotNil(t, OrDiscard(nil))
	custom := &fakeServiceLogger{}
	assert.Same(t, custom, OrDiscard(custom))
	assert.NotNil(t, FromWatermill(nil))
}

func TestNewSlogServiceLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := NewSlogServiceLogger(base)
	logger.Info("dispatched", LogFields{"metric_type": "flow_user"})

	assert.Contains(t, buf.String(), "dispatched")
	assert.Contains(t, buf.String(), "metric_type=flow_user")
}

type fakeAdapter struct {
	entries []adapterCall
	sink    *[]adapterCall
}

func newFakeAdapter() *fakeAdapter {
	logger := &fakeAdapter{}
	logger.sink = &logger.entries
	return logger
}

func (r *fakeAdapter) record(entry adapterCall) {
	*r.sink = append(*r.sink, entry)
}

type adapterCall struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *fakeAdapter) Error(msg string, err error, fields watermill.LogFields) {
	r.record(adapterCall{level: "error", fields: fields, err: err})
}

func (r *fakeAdapter) Info(msg string, fields watermill.LogFields) {
	r.record(adapterCall{level: "info", fields: fields})
}

func (r *fakeAdapter) Debug(msg string, fields watermill.LogFields) {
	r.record(adapterCall{level: "debug", fields: fields})
}

func (r *fakeAdapter) Trace(msg string, fields watermill.LogFields) {
	r.record(adapterCall{level: "trace", fields: fields})
}

func (r *fakeAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &fakeAdapter{sink: r.sink}
	child.record(adapterCall{level: "with", fields: fields})
	return child
}

type fakeServiceLogger struct {
	entries []serviceCall
}

type serviceCall struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *fakeServiceLogger) With(fields LogFields) ServiceLogger {
	return r
}

func (r *fakeServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, serviceCall{level: "debug", msg: msg, fields: fields})
}

func (r *fakeServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, serviceCall{level: "info", msg: msg, fields: fields})
}

func (r *fakeServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, serviceCall{level: "error", msg: msg, fields: fields, err: err})
}

func (r *fakeServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, serviceCall{level: "trace", msg: msg, fields: fields})
}
