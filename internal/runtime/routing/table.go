// Package routing holds the binding table that maps metric types to the
// processors handling them. A Table is built once before serving and never
// changes afterwards, so lookups need no synchronization.
package routing

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

// Binding pairs a metric type with a processor. Name is the identifier the
// processor was configured with and is used in logs and the bindings API.
type Binding struct {
	Type      metric.Type
	Name      string
	Processor processor.Processor
}

// Table is an immutable, ordered list of bindings.
type Table struct {
	bindings []Binding
	byType   map[metric.Type][]Binding
	known    map[metric.Type]struct{}
}

// NewTable freezes bindings. known lists the metric types the server accepts;
// every bound type is known as well. A binding without a processor is rejected.
func NewTable(bindings []Binding, known ...metric.Type) (*Table, error) {
	t := &Table{
		bindings: slices.Clone(bindings),
		byType:   make(map[metric.Type][]Binding),
		known:    make(map[metric.Type]struct{}, len(known)),
	}
	for _, k := range known {
		t.known[k] = struct{}{}
	}
	for i, b := range t.bindings {
		if b.Processor == nil {
			return nil, fmt.Errorf("routing: binding %d (%s) has no processor", i, b.Type)
		}
		t.byType[b.Type] = append(t.byType[b.Type], b)
		t.known[b.Type] = struct{}{}
	}
	return t, nil
}

// Lookup returns the processors bound to typ in binding order. A processor
// bound twice to the same type appears twice. The result is empty, never an
// error, when nothing is bound.
func (t *Table) Lookup(typ metric.Type) []Binding {
	return t.byType[typ]
}

// Bindings returns a copy of every binding in insertion order.
func (t *Table) Bindings() []Binding {
	return slices.Clone(t.bindings)
}

// Knows reports whether typ is an accepted metric type.
func (t *Table) Knows(typ metric.Type) bool {
	_, ok := t.known[typ]
	return ok
}

// Types returns the accepted metric types, sorted.
func (t *Table) Types() []metric.Type {
	out := make([]metric.Type, 0, len(t.known))
	for typ := range t.known {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}

// Processors returns every distinct processor in order of first binding,
// with the name of that first binding. Processors are compared by identity;
// values of non-comparable dynamic types are never merged.
func (t *Table) Processors() []Binding {
	seen := make(map[processor.Processor]struct{}, len(t.bindings))
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		if reflect.TypeOf(b.Processor).Comparable() {
			if _, dup := seen[b.Processor]; dup {
				continue
			}
			seen[b.Processor] = struct{}{}
		}
		out = append(out, b)
	}
	return out
}
