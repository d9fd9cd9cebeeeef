package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired        = sterrors.New("metricflow: config is required")
	ErrLoggerRequired        = sterrors.New("metricflow: logger is required")
	ErrProcessorRequired     = sterrors.New("metricflow: processor is required")
	ErrProcessorNameRequired = sterrors.New("metricflow: processor name is required")
	ErrUnknownProcessor      = sterrors.New("metricflow: unknown processor")
	ErrProcessorTimeout      = sterrors.New("metricflow: processor timed out")
	ErrProcessorClosed       = sterrors.New("metricflow: processor is closed")
	ErrServerClosed          = sterrors.New("metricflow: server closed")
	ErrInvalidFrame          = sterrors.New("metricflow: invalid frame")
	ErrPublisherRequired     = sterrors.New("metricflow: publisher is required")
	ErrTopicRequired         = sterrors.New("metricflow: topic is required")
)

// ProcessorInstantiationError reports a configured processor that could not be
// constructed while the routing table was being built.
type ProcessorInstantiationError struct {
	Name       string
	MetricType string
	Err        error
}

func (e *ProcessorInstantiationError) Error() string {
	return fmt.Sprintf("metricflow: cannot instantiate processor %q for metric type %q: %v", e.Name, e.MetricType, e.Err)
}

func (e *ProcessorInstantiationError) Unwrap() error { return e.Err }

// ShutdownError reports a processor whose Close call failed.
type ShutdownError struct {
	Name string
	Err  error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("metricflow: shutdown of processor %q failed: %v", e.Name, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }

// ProcessorPanicError carries the value recovered from a panicking processor.
type ProcessorPanicError struct {
	Name  string
	Value any
}

func (e *ProcessorPanicError) Error() string {
	return fmt.Sprintf("metricflow: processor %q panicked: %v", e.Name, e.Value)
}
