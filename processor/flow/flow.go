// Package flow provides the default processor. It aggregates flow metrics in
// memory per metric and flow identity, and exports the aggregates as
// Prometheus collectors.
//
// A flow is identified by the tags account, application, flow and flowlet.
// Missing tags aggregate under the empty value.
package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

// Name is the identifier used in the plugin lists.
const Name = "flow"

// Identity tags.
const (
	TagAccount     = "account"
	TagApplication = "application"
	TagFlow        = "flow"
	TagFlowlet     = "flowlet"
)

var labelNames = []string{"metric_type", "metric", TagAccount, TagApplication, TagFlow, TagFlowlet}

// Registerer is where Build registers the collectors. Tests replace it with a
// private registry.
var Registerer prometheus.Registerer = prometheus.DefaultRegisterer

func init() {
	Register()
}

// Register adds the processor to the default processor registry.
func Register() {
	processor.Register(Name, Build)
}

// Key identifies one aggregate.
type Key struct {
	Type        metric.Type `json:"metric_type"`
	Metric      string      `json:"metric"`
	Account     string      `json:"account,omitempty"`
	Application string      `json:"application,omitempty"`
	Flow        string      `json:"flow,omitempty"`
	Flowlet     string      `json:"flowlet,omitempty"`
}

func keyOf(req metric.Request) Key {
	return Key{
		Type:        req.Type,
		Metric:      req.Name,
		Account:     req.Tag(TagAccount),
		Application: req.Tag(TagApplication),
		Flow:        req.Tag(TagFlow),
		Flowlet:     req.Tag(TagFlowlet),
	}
}

func (k Key) labels() []string {
	return []string{k.Type.String(), k.Metric, k.Account, k.Application, k.Flow, k.Flowlet}
}

// Aggregate is the running state of one Key.
type Aggregate struct {
	Key           Key       `json:"key"`
	Count         uint64    `json:"count"`
	Sum           float64   `json:"sum"`
	Last          float64   `json:"last"`
	LastTimestamp int64     `json:"last_timestamp"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Processor aggregates metrics. It never fails a valid request except after
// Close.
type Processor struct {
	mu         sync.RWMutex
	aggregates map[Key]*Aggregate
	closed     bool

	samples *prometheus.CounterVec
	sum     *prometheus.CounterVec
	last    *prometheus.GaugeVec

	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// Build creates the aggregator and registers its collectors with Registerer.
func Build(ctx context.Context, cfg processor.Config, logger watermill.LoggerAdapter) (processor.Processor, error) {
	return New(Registerer)
}

// New creates the aggregator. A nil registerer skips Prometheus registration.
func New(registerer prometheus.Registerer) (*Processor, error) {
	p := &Processor{
		aggregates: make(map[Key]*Aggregate),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricflow",
			Subsystem: "flow",
			Name:      "samples_total",
			Help:      "Number of samples aggregated per flow metric",
		}, labelNames),
		sum: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricflow",
			Subsystem: "flow",
			Name:      "value_sum",
			Help:      "Sum of non-negative sample values per flow metric",
		}, labelNames),
		last: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "metricflow",
			Subsystem: "flow",
			Name:      "value_last",
			Help:      "Most recent sample value per flow metric",
		}, labelNames),
		registerer: registerer,
	}

	if registerer == nil {
		return p, nil
	}
	var err error
	if p.samples, err = register(p, p.samples); err != nil {
		return nil, err
	}
	if p.sum, err = register(p, p.sum); err != nil {
		return nil, err
	}
	if p.last, err = register(p, p.last); err != nil {
		return nil, err
	}
	return p, nil
}

// register adds c to the processor's registerer. When an identical collector
// is already registered (another aggregator instance), that one is reused and
// stays owned by its registrant.
func register[C prometheus.Collector](p *Processor, c C) (C, error) {
	if err := p.registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		p.unregister()
		return c, err
	}
	p.collectors = append(p.collectors, c)
	return c, nil
}

// Process folds req into its aggregate.
func (p *Processor) Process(ctx context.Context, req metric.Request) (metric.Status, error) {
	key := keyOf(req)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return metric.StatusFailed, errspkg.ErrProcessorClosed
	}
	agg, ok := p.aggregates[key]
	if !ok {
		agg = &Aggregate{Key: key}
		p.aggregates[key] = agg
	}
	agg.Count++
	agg.Sum += req.Value
	if req.Timestamp >= agg.LastTimestamp {
		agg.Last = req.Value
		agg.LastTimestamp = req.Timestamp
	}
	agg.UpdatedAt = time.Now()
	labels := key.labels()
	// Set under the lock so the gauge cannot fall behind agg.Last.
	p.last.WithLabelValues(labels...).Set(agg.Last)
	p.mu.Unlock()

	p.samples.WithLabelValues(labels...).Inc()
	if req.Value > 0 {
		p.sum.WithLabelValues(labels...).Add(req.Value)
	}

	return metric.StatusSuccess, nil
}

// Get returns a copy of the aggregate for key.
func (p *Processor) Get(key Key) (Aggregate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	agg, ok := p.aggregates[key]
	if !ok {
		return Aggregate{}, false
	}
	return *agg, true
}

// Snapshot returns copies of every aggregate ordered by type then metric.
func (p *Processor) Snapshot() []Aggregate {
	p.mu.RLock()
	out := make([]Aggregate, 0, len(p.aggregates))
	for _, agg := range p.aggregates {
		out = append(out, *agg)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		return a.labelsString() < b.labelsString()
	})
	return out
}

func (k Key) labelsString() string {
	return k.Account + "\x00" + k.Application + "\x00" + k.Flow + "\x00" + k.Flowlet
}

// Close stops accepting samples and unregisters the collectors it owns.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.unregister()
	return nil
}

func (p *Processor) unregister() {
	if p.registerer == nil {
		return
	}
	for _, c := range p.collectors {
		p.registerer.Unregister(c)
	}
	p.collectors = nil
}
