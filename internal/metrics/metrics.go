// Package metrics counts scenario outcomes in Prometheus form. The command line
// writes them to a node_exporter textfile at exit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kuitang/ui-scenarios/internal/scenario"
)

const namespace = "ui_scenario"

// Recorder implements scenario.Recorder over its own registry.
type Recorder struct {
	reg *prometheus.Registry

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	ignored   *prometheus.CounterVec
	teardown  prometheus.Counter
	lastRunTS *prometheus.GaugeVec
}

var _ scenario.Recorder = (*Recorder)(nil)

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Scenario runs by outcome.",
		}, []string{"scenario", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Wall time of a scenario run including setup and teardown.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"scenario"}),
		ignored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_errors_total",
			Help:      "Errors swallowed by ignorable steps and frame waits.",
		}, []string{"scenario", "kind"}),
		teardown: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_errors_total",
			Help:      "Runs whose teardown reported an error.",
		}),
		lastRunTS: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the most recent run.",
		}, []string{"scenario"}),
	}
}

// ObserveRun implements scenario.Recorder.
func (r *Recorder) ObserveRun(res scenario.Result) {
	r.runs.WithLabelValues(res.Scenario, string(res.Outcome)).Inc()
	r.duration.WithLabelValues(res.Scenario).Observe(res.Duration.Seconds())
	for _, ig := range res.Ignored {
		r.ignored.WithLabelValues(res.Scenario, ig.Kind).Inc()
	}
	if res.TeardownErr != nil {
		r.teardown.Inc()
	}
	if !res.StartedAt.IsZero() {
		r.lastRunTS.WithLabelValues(res.Scenario).Set(float64(res.StartedAt.Unix()))
	}
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes every metric to path in text exposition format. The file
// is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
