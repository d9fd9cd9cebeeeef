package routing

import (
	"context"
	"errors"
	"slices"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

// DefaultProcessorName is the processor bound to the flow metric types when
// Options.DefaultProcessor is empty.
const DefaultProcessorName = "flow"

// Factory constructs the processor configured under name.
type Factory func(ctx context.Context, name string) (processor.Processor, error)

// Options describes the bindings to build.
type Options struct {
	// DefaultProcessor is bound to flow_system and flow_user.
	DefaultProcessor string
	// SystemPlugins are bound to system. Without entries, system has no
	// processor.
	SystemPlugins []string
	// FlowSystemPlugins are the flow system metric processors. Without entries
	// the default processor gets a second flow_system binding.
	FlowSystemPlugins []string
	// FlowUserPlugins are bound to flow_user in addition to the default.
	FlowUserPlugins []string
	// CustomPlugins binds processors to additional metric types.
	CustomPlugins map[string][]string
	// CorrectFlowSystemBinding binds FlowSystemPlugins to flow_system. When
	// false they are bound to flow_user, matching the historical behaviour.
	CorrectFlowSystemBinding bool

	Factory Factory
	Logger  logging.ServiceLogger
}

// Build instantiates every configured processor and freezes the bindings.
// Every entry of a plugin list gets its own instance. If any processor cannot
// be built, the processors already built are closed and a
// *errors.ProcessorInstantiationError is returned.
func Build(ctx context.Context, opts Options) (*Table, error) {
	if opts.Factory == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	log := logging.OrDiscard(opts.Logger).With(logging.LogFields{"component": "routing"})

	b := &builder{ctx: ctx, factory: opts.Factory, log: log}

	defaultName := opts.DefaultProcessor
	if defaultName == "" {
		defaultName = DefaultProcessorName
	}
	def, err := b.instantiate(defaultName, metric.FlowUser)
	if err != nil {
		return nil, b.fail(err)
	}
	b.add(metric.FlowSystem, defaultName, def)
	b.add(metric.FlowUser, defaultName, def)

	for _, name := range opts.SystemPlugins {
		if err := b.plugin(metric.System, name); err != nil {
			return nil, b.fail(err)
		}
	}

	if len(opts.FlowSystemPlugins) > 0 {
		target := metric.FlowUser
		if opts.CorrectFlowSystemBinding {
			target = metric.FlowSystem
		} else {
			log.Info("Binding flow system plugins to flow_user; set correct_flow_system_binding to bind them to flow_system", logging.LogFields{
				"plugins": opts.FlowSystemPlugins,
			})
		}
		for _, name := range opts.FlowSystemPlugins {
			if err := b.plugin(target, name); err != nil {
				return nil, b.fail(err)
			}
		}
	} else {
		b.add(metric.FlowSystem, defaultName, def)
	}

	for _, name := range opts.FlowUserPlugins {
		if err := b.plugin(metric.FlowUser, name); err != nil {
			return nil, b.fail(err)
		}
	}

	known := metric.BuiltinTypes()
	customTypes := make([]string, 0, len(opts.CustomPlugins))
	for typ := range opts.CustomPlugins {
		customTypes = append(customTypes, typ)
	}
	slices.Sort(customTypes)
	for _, raw := range customTypes {
		typ := metric.ParseType(raw)
		if typ == "" {
			continue
		}
		known = append(known, typ)
		for _, name := range opts.CustomPlugins[raw] {
			if err := b.plugin(typ, name); err != nil {
				return nil, b.fail(err)
			}
		}
	}

	table, err := NewTable(b.bindings, known...)
	if err != nil {
		return nil, b.fail(err)
	}
	log.Debug("Routing table built", logging.LogFields{
		"bindings":   len(b.bindings),
		"processors": len(b.built),
	})
	return table, nil
}

type builder struct {
	ctx      context.Context
	factory  Factory
	log      logging.ServiceLogger
	bindings []Binding
	built    []Binding
}

func (b *builder) add(typ metric.Type, name string, p processor.Processor) {
	b.bindings = append(b.bindings, Binding{Type: typ, Name: name, Processor: p})
}

func (b *builder) plugin(typ metric.Type, name string) error {
	p, err := b.instantiate(name, typ)
	if err != nil {
		return err
	}
	b.log.Debug("Adding processor", logging.LogFields{"processor": name, "metric_type": typ.String()})
	b.add(typ, name, p)
	return nil
}

func (b *builder) instantiate(name string, typ metric.Type) (processor.Processor, error) {
	p, err := b.factory(b.ctx, name)
	if err == nil && p == nil {
		err = errspkg.ErrProcessorRequired
	}
	if err != nil {
		return nil, &errspkg.ProcessorInstantiationError{Name: name, MetricType: typ.String(), Err: err}
	}
	b.built = append(b.built, Binding{Type: typ, Name: name, Processor: p})
	return p, nil
}

// fail closes everything built so far and returns err joined with any close
// errors.
func (b *builder) fail(err error) error {
	errs := []error{err}
	for _, built := range b.built {
		if cerr := built.Processor.Close(); cerr != nil {
			errs = append(errs, &errspkg.ShutdownError{Name: built.Name, Err: cerr})
		}
	}
	b.built = nil
	if len(errs) == 1 {
		return err
	}
	return errors.Join(errs...)
}
