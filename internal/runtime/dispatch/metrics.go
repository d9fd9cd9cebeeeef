package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/metricflow/metric"
)

// Metrics records dispatch statistics in Prometheus and keeps plain counters
// for the stats API. A nil *Metrics records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	requestsTotal    *prometheus.CounterVec
	unroutedTotal    *prometheus.CounterVec
	invocationsTotal *prometheus.CounterVec
	invocationTime   *prometheus.HistogramVec
	inFlight         prometheus.Gauge

	requests        atomic.Uint64
	succeeded       atomic.Uint64
	failed          atomic.Uint64
	invalid         atomic.Uint64
	unrouted        atomic.Uint64
	processorErrors atomic.Uint64
	timeouts        atomic.Uint64
	panics          atomic.Uint64
	startedAt       time.Time
}

// Stats is a point-in-time copy of the dispatch counters.
type Stats struct {
	Requests        uint64    `json:"requests"`
	Succeeded       uint64    `json:"succeeded"`
	Failed          uint64    `json:"failed"`
	Invalid         uint64    `json:"invalid"`
	Unrouted        uint64    `json:"unrouted"`
	ProcessorErrors uint64    `json:"processor_errors"`
	Timeouts        uint64    `json:"timeouts"`
	Panics          uint64    `json:"panics"`
	StartedAt       time.Time `json:"started_at"`
	CollectedAt     time.Time `json:"collected_at"`
}

func newDispatchCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metricflow",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates dispatch metrics. A nil registerer selects the default
// Prometheus registerer. Collectors are registered by Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:       registerer,
		requestsTotal:    newDispatchCounterVec("requests_total", "Requests answered by the dispatch engine", []string{"metric_type", "status"}),
		unroutedTotal:    newDispatchCounterVec("unrouted_total", "Valid requests whose metric type has no processor bound", []string{"metric_type"}),
		invocationsTotal: newDispatchCounterVec("processor_invocations_total", "Processor invocations by outcome", []string{"processor", "metric_type", "status"}),
		invocationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metricflow",
				Subsystem: "dispatch",
				Name:      "processor_duration_seconds",
				Help:      "Time spent in a single processor invocation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"processor", "metric_type"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricflow",
			Subsystem: "dispatch",
			Name:      "in_flight_requests",
			Help:      "Requests currently being dispatched",
		}),
		startedAt: time.Now().UTC(),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times;
// collectors already registered by another Metrics value are reused.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.requestsTotal, err = register(m.registerer, m.requestsTotal); err != nil {
		return err
	}
	if m.unroutedTotal, err = register(m.registerer, m.unroutedTotal); err != nil {
		return err
	}
	if m.invocationsTotal, err = register(m.registerer, m.invocationsTotal); err != nil {
		return err
	}
	if m.invocationTime, err = register(m.registerer, m.invocationTime); err != nil {
		return err
	}
	if m.inFlight, err = register(m.registerer, m.inFlight); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *Metrics) begin() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) end() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) recordResponse(typ metric.Type, status metric.Status) {
	if m == nil {
		return
	}
	m.requests.Add(1)
	switch status {
	case metric.StatusSuccess:
		m.succeeded.Add(1)
	case metric.StatusFailed:
		m.failed.Add(1)
	case metric.StatusInvalid:
		m.invalid.Add(1)
	}
	m.requestsTotal.WithLabelValues(typ.String(), string(status)).Inc()
}

func (m *Metrics) recordUnrouted(typ metric.Type) {
	if m == nil {
		return
	}
	m.requests.Add(1)
	m.unrouted.Add(1)
	m.unroutedTotal.WithLabelValues(typ.String()).Inc()
}

func (m *Metrics) recordInvocation(typ metric.Type, o Outcome, timedOut, panicked bool) {
	if m == nil {
		return
	}
	status := string(o.Status)
	if o.Err != nil {
		status = "ERROR"
		m.processorErrors.Add(1)
	}
	if timedOut {
		m.timeouts.Add(1)
	}
	if panicked {
		m.panics.Add(1)
	}
	m.invocationsTotal.WithLabelValues(o.Processor, typ.String(), status).Inc()
	m.invocationTime.WithLabelValues(o.Processor, typ.String()).Observe(o.Duration.Seconds())
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{CollectedAt: time.Now().UTC()}
	}
	return Stats{
		Requests:        m.requests.Load(),
		Succeeded:       m.succeeded.Load(),
		Failed:          m.failed.Load(),
		Invalid:         m.invalid.Load(),
		Unrouted:        m.unrouted.Load(),
		ProcessorErrors: m.processorErrors.Load(),
		Timeouts:        m.timeouts.Load(),
		Panics:          m.panics.Load(),
		StartedAt:       m.startedAt,
		CollectedAt:     time.Now().UTC(),
	}
}
