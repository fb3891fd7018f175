// Package observability holds the networking worker's Prometheus metrics
// and the OpenTelemetry tracer setup.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerCollector bundles the networking worker's metrics.
type WorkerCollector struct {
	gatherer prometheus.Gatherer

	Actions        *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	JournalPending prometheus.Gauge
	DrainPasses    prometheus.Counter
	Sessions       *prometheus.CounterVec
}

// NewWorkerCollector registers the worker metrics against reg, defaulting
// to the global Prometheus registry when nil. Registering twice against the
// same registry returns the existing collectors.
func NewWorkerCollector(reg prometheus.Registerer) (*WorkerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	actions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metalnet_actions_total",
		Help: "Networking actions finished by the worker, labeled by type and final status.",
	}, []string{"type", "status"}), "metalnet_actions_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metalnet_action_duration_seconds",
		Help:    "Time to apply one networking action, including switch I/O.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"type"}), "metalnet_action_duration_seconds")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metalnet_journal_pending",
		Help: "PENDING networking actions in the journal at the end of the last drain pass.",
	}), "metalnet_journal_pending")
	if err != nil {
		return nil, err
	}

	passes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metalnet_drain_passes_total",
		Help: "Journal drain passes run by the worker.",
	}), "metalnet_drain_passes_total")
	if err != nil {
		return nil, err
	}

	sessions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metalnet_switch_sessions_total",
		Help: "Switch sessions opened by the worker, labeled by driver and result.",
	}, []string{"driver", "result"}), "metalnet_switch_sessions_total")
	if err != nil {
		return nil, err
	}

	return &WorkerCollector{
		gatherer:       gatherer,
		Actions:        actions,
		ActionDuration: durations,
		JournalPending: pending,
		DrainPasses:    passes,
		Sessions:       sessions,
	}, nil
}

// ObserveAction records one finished action. A nil collector is a no-op.
func (c *WorkerCollector) ObserveAction(actionType, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Actions.WithLabelValues(actionType, status).Inc()
	c.ActionDuration.WithLabelValues(actionType).Observe(elapsed.Seconds())
}

// ObserveDrain records a finished drain pass and the journal depth after it
func (c *WorkerCollector) ObserveDrain(pending int64) {
	if c == nil {
		return
	}
	c.DrainPasses.Inc()
	c.JournalPending.Set(float64(pending))
}

// ObserveSession records a session open attempt
func (c *WorkerCollector) ObserveSession(driverName string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Sessions.WithLabelValues(driverName, result).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *WorkerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
