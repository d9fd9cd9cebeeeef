package dispatch

import (
	"time"

	"github.com/drblury/metricflow/metric"
)

// Outcome is the result of a single processor invocation.
type Outcome struct {
	Processor string
	Status    metric.Status
	Err       error
	Duration  time.Duration
}

// Succeeded reports whether the invocation resolved to SUCCESS without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Status == metric.StatusSuccess
}

// Aggregate folds outcomes with a logical AND: SUCCESS only when every
// outcome succeeded, FAILED otherwise. The fold is order independent. An
// empty slice aggregates to SUCCESS.
func Aggregate(outcomes []Outcome) metric.Status {
	for _, o := range outcomes {
		if !o.Succeeded() {
			return metric.StatusFailed
		}
	}
	return metric.StatusSuccess
}
