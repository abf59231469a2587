// Package metrics exposes run counters and gauges for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "netgauge"

// Recorder holds every collector. A nil *Recorder records nothing, so
// components can take one unconditionally.
type Recorder struct {
	reg *prometheus.Registry

	runsStarted      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	runsSkipped      prometheus.Counter
	snapshots        prometheus.Counter
	rejected         *prometheus.CounterVec
	callbackErrors   prometheus.Counter
	staleCallbacks   prometheus.Counter
	metadataFailures prometheus.Counter
	runDuration      prometheus.Histogram
	averages         *prometheus.GaugeVec
	lastScore        *prometheus.GaugeVec
	running          prometheus.Gauge
}

// New registers collectors on a fresh registry, plus the Go and process
// collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_started_total",
			Help:      "Runs started",
		}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state, by outcome",
		}, []string{"outcome"}),
		runsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_skipped_total",
			Help:      "Scheduled triggers skipped because a run was in progress",
		}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snapshots_ingested_total",
			Help:      "Partial and final snapshots appended to a run",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "values_rejected_total",
			Help:      "Tracked values excluded from running averages",
		}, []string{"metric"}),
		callbackErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "callback_errors_total",
			Help:      "Recovered failures while processing engine callbacks",
		}),
		staleCallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stale_callbacks_total",
			Help:      "Engine callbacks discarded for a superseded or finished run",
		}),
		metadataFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "metadata_failures_total",
			Help:      "Metadata fetches that fell back to an empty object",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from start to terminal state",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90},
		}),
		averages: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "running_average",
			Help:      "Running average of the active or last run",
		}, []string{"metric"}),
		lastScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_score",
			Help:      "Score from the last final report",
		}, []string{"metric"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "run_in_progress",
			Help:      "1 while a run is active",
		}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.runsStarted.Inc()
	r.running.Set(1)
}

func (r *Recorder) RunFinished(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.runsFinished.WithLabelValues(outcome).Inc()
	r.runDuration.Observe(d.Seconds())
	r.running.Set(0)
}

func (r *Recorder) RunSkipped() {
	if r == nil {
		return
	}
	r.runsSkipped.Inc()
}

func (r *Recorder) SnapshotIngested() {
	if r == nil {
		return
	}
	r.snapshots.Inc()
}

func (r *Recorder) ValueRejected(metric string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(metric).Inc()
}

func (r *Recorder) CallbackError() {
	if r == nil {
		return
	}
	r.callbackErrors.Inc()
}

func (r *Recorder) StaleCallback() {
	if r == nil {
		return
	}
	r.staleCallbacks.Inc()
}

func (r *Recorder) MetadataFailure() {
	if r == nil {
		return
	}
	r.metadataFailures.Inc()
}

func (r *Recorder) SetAverage(metric string, v float64) {
	if r == nil {
		return
	}
	r.averages.WithLabelValues(metric).Set(v)
}

func (r *Recorder) SetScore(metric string, v float64) {
	if r == nil {
		return
	}
	r.lastScore.WithLabelValues(metric).Set(v)
}
