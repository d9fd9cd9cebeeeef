package dispatch

import (
	"errors"
	"fmt"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/internal/runtime/routing"
)

// Shutdown closes every distinct processor of the engine's table. Only the
// first call closes anything; later calls return the first result.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = ShutdownAll(e.table, e.log)
	})
	return e.shutdownErr
}

// ShutdownAll closes each distinct processor in table once, continuing past
// failures. Failures are returned joined, each as a *errors.ShutdownError.
func ShutdownAll(table *routing.Table, log logging.ServiceLogger) error {
	if table == nil {
		return nil
	}
	log = logging.OrDiscard(log)

	var errs []error
	for _, b := range table.Processors() {
		if err := closeProcessor(b); err != nil {
			log.Error("Processor shutdown failed", err, logging.LogFields{"processor": b.Name})
			errs = append(errs, &errspkg.ShutdownError{Name: b.Name, Err: err})
			continue
		}
		log.Debug("Processor closed", logging.LogFields{"processor": b.Name})
	}
	return errors.Join(errs...)
}

func closeProcessor(b routing.Binding) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return b.Processor.Close()
}
