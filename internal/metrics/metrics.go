package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded by the middleware.
const (
	OutcomeBypassed  = "bypassed"
	OutcomeHandled   = "handled"
	OutcomeNoHandler = "no_handler"
	OutcomeError     = "error"
)

// Metrics holds the collectors of one dev server.
type Metrics struct {
	// Requests counts requests by outcome
	Requests *prometheus.CounterVec

	// ModuleLoadDuration records how long a fresh entry module load takes
	ModuleLoadDuration prometheus.Histogram

	// HandlerDuration records handler invocation time, labelled by status code
	HandlerDuration *prometheus.HistogramVec

	// Injections counts HTML responses that got the client script appended
	Injections prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered. Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerdev_requests_total",
			Help: "The number of requests seen by the dev server middleware",
		}, []string{"outcome"}),
		ModuleLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workerdev_module_load_duration_seconds",
			Help:    "Time spent loading the entry module",
			Buckets: prometheus.DefBuckets,
		}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workerdev_handler_duration_seconds",
			Help:    "Time spent in the worker fetch handler",
			Buckets: prometheus.DefBuckets,
		}, []string{"code"}),
		Injections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workerdev_client_script_injections_total",
			Help: "The number of HTML responses the live-reload client script was injected into",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.Requests = register(reg, m.Requests, &err)
	m.ModuleLoadDuration = register(reg, m.ModuleLoadDuration, &err)
	m.HandlerDuration = register(reg, m.HandlerDuration, &err)
	m.Injections = register(reg, m.Injections, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

// ObserveRequest counts one request outcome.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

// ObserveLoad records a module load duration.
func (m *Metrics) ObserveLoad(d time.Duration) {
	if m == nil {
		return
	}
	m.ModuleLoadDuration.Observe(d.Seconds())
}

// ObserveHandler records a handler duration for the given status code label.
func (m *Metrics) ObserveHandler(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(code).Observe(d.Seconds())
}

// ObserveInjection counts one rewritten HTML response.
func (m *Metrics) ObserveInjection() {
	if m == nil {
		return
	}
	m.Injections.Inc()
}
