// Package report records what a launcher run did as Prometheus metrics and
// can write them out for the node-exporter textfile collector.
package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns a private registry; nothing is registered globally.
type Recorder struct {
	reg *prometheus.Registry

	stepDuration *prometheus.GaugeVec
	cacheBytes   *prometheus.GaugeVec
	launches     prometheus.Counter
	sageBuild    prometheus.Gauge
	lastRun      prometheus.Gauge
}

// New builds a Recorder labelled with the variant name.
func New(variant string) *Recorder {
	labels := prometheus.Labels{"variant": variant}
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		stepDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "mllaunch",
				Name:        "step_duration_seconds",
				Help:        "Wall time spent in each preparation step",
				ConstLabels: labels,
			},
			[]string{"step"},
		),
		cacheBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "mllaunch",
				Name:        "cache_bytes",
				Help:        "Measured size of the configured temp cache",
				ConstLabels: labels,
			},
			[]string{"path"},
		),
		launches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "mllaunch",
				Name:        "launches_total",
				Help:        "Child starts including restarts",
				ConstLabels: labels,
			},
		),
		sageBuild: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "mllaunch",
				Name:        "sage_build_success",
				Help:        "1 when SageAttention is usable after provisioning, 0 otherwise",
				ConstLabels: labels,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "mllaunch",
				Name:        "last_run_timestamp_seconds",
				Help:        "Unix time the launcher last started",
				ConstLabels: labels,
			},
		),
	}
	r.reg.MustRegister(r.stepDuration, r.cacheBytes, r.launches, r.sageBuild, r.lastRun)
	r.lastRun.SetToCurrentTime()
	return r
}

// Step starts timing a step; call the returned func when it ends.
func (r *Recorder) Step(name string) func() {
	start := time.Now()
	return func() {
		r.stepDuration.WithLabelValues(name).Set(time.Since(start).Seconds())
	}
}

// CacheSize records a measured cache directory size.
func (r *Recorder) CacheSize(path string, bytes int64) {
	r.cacheBytes.WithLabelValues(path).Set(float64(bytes))
}

// Launch counts one child start.
func (r *Recorder) Launch() { r.launches.Inc() }

// SageBuild records whether the attention extension is usable.
func (r *Recorder) SageBuild(ok bool) {
	if ok {
		r.sageBuild.Set(1)
		return
	}
	r.sageBuild.Set(0)
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// WriteFile writes all metrics in text format. path should end in .prom for
// the textfile collector to pick it up. An empty path is a no-op.
func (r *Recorder) WriteFile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
