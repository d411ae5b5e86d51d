package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simon_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simon_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simon_jobs_failed_total",
			Help: "Total number of jobs moved to retry or failed",
		},
		[]string{"kind"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simon_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simon_queue_depth",
			Help: "Queued plus retry jobs awaiting a claim",
		},
	)
	RetrieveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simon_retrieve_duration_seconds",
			Help:    "Hot-path retrieval duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2},
		},
	)
	ContextItemsPacked = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simon_context_items_packed",
			Help:    "Context items accepted by the formatter per prompt",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)
)

// InitMetrics registers all collectors. Call once at worker startup.
func InitMetrics() {
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RetrieveDuration)
	prometheus.MustRegister(ContextItemsPacked)
}

// MetricsServer returns an HTTP server exposing /metrics on addr.
func MetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
