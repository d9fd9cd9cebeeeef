package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by the dispatch engine, the
// connection servers, and every processor. It maps onto Watermill's
// LoggerAdapter so sinks built on Watermill publishers log through the same
// backend.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("metricflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("metricflow: watermill logger cannot be nil")
	}
	return &wmLogger{inner: logger}
}

// Discard returns a ServiceLogger that drops every entry.
func Discard() ServiceLogger {
	return &wmLogger{inner: watermill.NopLogger{}}
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log ServiceLogger) ServiceLogger {
	if log == nil {
		return Discard()
	}
	return log
}

type wmLogger struct {
	inner watermill.LoggerAdapter
}

func (l *wmLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return &wmLogger{inner: l.inner.With(toWatermillFields(fields))}
}

func (l *wmLogger) Debug(msg string, fields LogFields) {
	l.inner.Debug(msg, toWatermillFields(fields))
}

func (l *wmLogger) Info(msg string, fields LogFields) {
	l.inner.Info(msg, toWatermillFields(fields))
}

func (l *wmLogger) Error(msg string, err error, fields LogFields) {
	l.inner.Error(msg, err, toWatermillFields(fields))
}

func (l *wmLogger) Trace(msg string, fields LogFields) {
	l.inner.Trace(msg, toWatermillFields(fields))
}

type bridge struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// so routers, publishers, and processor builders reuse the same logger.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("metricflow: ServiceLogger cannot be nil")
	}
	if wm, ok := log.(*wmLogger); ok {
		return wm.inner
	}
	return &bridge{base: log}
}

// FromWatermill is the inverse of NewWatermillAdapter. A nil adapter yields a
// discarding logger.
func FromWatermill(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		return Discard()
	}
	if adapter, ok := logger.(*bridge); ok {
		return adapter.base
	}
	return &wmLogger{inner: logger}
}

func (b *bridge) Error(msg string, err error, fields watermill.LogFields) {
	b.base.Error(msg, err, fromWatermillFields(fields))
}

func (b *bridge) Info(msg string, fields watermill.LogFields) {
	b.base.Info(msg, fromWatermillFields(fields))
}

func (b *bridge) Debug(msg string, fields watermill.LogFields) {
	b.base.Debug(msg, fromWatermillFields(fields))
}

func (b *bridge) Trace(msg string, fields watermill.LogFields) {
	b.base.Trace(msg, fromWatermillFields(fields))
}

func (b *bridge) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &bridge{base: b.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
