package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_anchor"

// Recorder exposes the service's prometheus collectors. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	chainTx       *prometheus.CounterVec
	chainLatency  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// NewRecorder registers the collectors against reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		chainTx: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "transactions_total",
			Help:      "Registry transactions by kind and outcome",
		}, []string{"kind", "outcome"}),
		chainLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "confirmation_seconds",
			Help:      "Time from submission to observed outcome",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120, 300},
		}, []string{"kind"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Signal lifecycle transitions by target status",
		}, []string{"status"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Reconciler actions by kind and result",
		}, []string{"kind", "result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		httpDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
	}
}

func (r *Recorder) ChainTx(kind, outcome string) {
	if r == nil {
		return
	}
	r.chainTx.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) ChainLatency(kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.chainLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Recorder) Transition(status string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(status).Inc()
}

func (r *Recorder) ReconcileAction(kind, result string) {
	if r == nil {
		return
	}
	r.sweeps.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) HTTPRequest(route, method, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, status).Inc()
	r.httpDurations.WithLabelValues(route, method).Observe(d.Seconds())
}
