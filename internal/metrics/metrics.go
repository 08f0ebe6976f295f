// Package metrics exposes Prometheus counters for copy activity.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snadrus/fsbridge/internal/vfs"
)

// Recorder turns copy progress into counters. One Recorder may observe
// several copies, but only one at a time.
type Recorder struct {
	BytesTotal  prometheus.Counter
	FilesTotal  prometheus.Counter
	RunsTotal   *prometheus.CounterVec
	LastSuccess prometheus.Gauge
	RunDuration prometheus.Histogram
	registry    *prometheus.Registry

	mu      sync.Mutex
	current string
	written uint64
}

// New registers the counters on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		BytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fsbridge_copied_bytes_total",
			Help: "Bytes written to destination files",
		}),
		FilesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fsbridge_copied_files_total",
			Help: "Files copied to completion",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fsbridge_runs_total",
			Help: "Copy runs by result",
		}, []string{"result"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "fsbridge_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fsbridge_run_duration_seconds",
			Help:    "Wall time of copy runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}
}

// Observe accounts one progress event. Byte counts are the delta since the
// previous event for the same file.
func (r *Recorder) Observe(p vfs.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Name != r.current || p.Written < r.written {
		r.current, r.written = p.Name, 0
	}
	if d := p.Written - r.written; d > 0 {
		r.BytesTotal.Add(float64(d))
	}
	r.written = p.Written
	if p.Complete() {
		r.FilesTotal.Inc()
		r.current, r.written = "", 0
	}
}

// Run records the outcome of one copy run that started at start.
func (r *Recorder) Run(start time.Time, err error) {
	r.RunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.RunsTotal.WithLabelValues("failure").Inc()
		return
	}
	r.RunsTotal.WithLabelValues("success").Inc()
	r.LastSuccess.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
