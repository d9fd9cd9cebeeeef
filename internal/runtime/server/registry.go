package server

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionRegistry tracks open connections for the introspection API. Its
// Hooks register connections on open and drop them on close.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]ConnInfo

	open   *prometheus.GaugeVec
	opened *prometheus.CounterVec
}

// NewConnectionRegistry creates a registry. With a non-nil registerer it
// also exports connection gauges and counters.
func NewConnectionRegistry(registerer prometheus.Registerer) (*ConnectionRegistry, error) {
	r := &ConnectionRegistry{conns: make(map[string]ConnInfo)}
	if registerer == nil {
		return r, nil
	}

	open := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "metricflow",
		Subsystem: "server",
		Name:      "connections_open",
		Help:      "Client connections currently open",
	}, []string{"transport"})
	opened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metricflow",
		Subsystem: "server",
		Name:      "connections_opened_total",
		Help:      "Client connections accepted",
	}, []string{"transport"})

	var err error
	if r.open, err = registerOrReuse(registerer, open); err != nil {
		return nil, err
	}
	if r.opened, err = registerOrReuse(registerer, opened); err != nil {
		return nil, err
	}
	return r, nil
}

func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Hooks returns the lifecycle hooks that keep the registry current.
func (r *ConnectionRegistry) Hooks() Hooks {
	return Hooks{
		OnOpen:  r.Register,
		OnClose: func(info ConnInfo) { r.Unregister(info.ID) },
	}
}

// Register adds a connection. Registering an ID twice is an error.
func (r *ConnectionRegistry) Register(info ConnInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.conns[info.ID]; dup {
		return fmt.Errorf("server: connection %q already registered", info.ID)
	}
	r.conns[info.ID] = info
	if r.open != nil {
		r.open.WithLabelValues(info.Transport).Inc()
		r.opened.WithLabelValues(info.Transport).Inc()
	}
	return nil
}

// Unregister removes a connection. Unknown IDs are ignored.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	if r.open != nil {
		r.open.WithLabelValues(info.Transport).Dec()
	}
}

// Get returns the stats of one connection.
func (r *ConnectionRegistry) Get(id string) (ConnStats, bool) {
	r.mu.RLock()
	info, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ConnStats{}, false
	}
	return info.Stats(), true
}

// List returns the stats of every open connection ordered by open time.
func (r *ConnectionRegistry) List() []ConnStats {
	r.mu.RLock()
	out := make([]ConnStats, 0, len(r.conns))
	for _, info := range r.conns {
		out = append(out, info.Stats())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b ConnStats) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of open connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

