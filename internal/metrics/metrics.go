// Package metrics records scheduler timings and task counts with Prometheus.
//
// A nil *Recorder is valid and records nothing, so callers only build one when
// timings are requested.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler phases.
const (
	PhaseLoop   = "loop"
	PhaseReduce = "reduce"
	PhaseFinish = "finish"
	PhaseForces = "forces"
)

// Recorder holds the scheduler metrics.
type Recorder struct {
	phaseDuration *prometheus.HistogramVec
	tasks         *prometheus.CounterVec
	passes        *prometheus.CounterVec
}

// New registers the scheduler metrics on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskchain_phase_duration_seconds",
			Help:    "Duration of scheduler phases in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}, []string{"head", "phase"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskchain_tasks_total",
			Help: "Total active tasks evaluated by chain head",
		}, []string{"head"}),
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskchain_passes_total",
			Help: "Total scheduler passes by chain head and kind",
		}, []string{"head", "kind"}),
	}
}

// Time starts timing phase of the chain headed by head. Call the returned
// function to stop.
func (r *Recorder) Time(head, phase string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.phaseDuration.WithLabelValues(head, phase).Observe(time.Since(start).Seconds())
	}
}

// Pass counts one pass of kind ("run" or "forces") over n active tasks.
func (r *Recorder) Pass(head, kind string, n int) {
	if r == nil {
		return
	}
	r.passes.WithLabelValues(head, kind).Inc()
	r.tasks.WithLabelValues(head).Add(float64(n))
}
