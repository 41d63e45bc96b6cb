package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	variantOutputsTotal  prometheus.Counter
	variantFailuresTotal prometheus.Counter
	staleJobsResetTotal  prometheus.Counter
	claimedJobsTotal     prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamill_worker_jobs_total",
			Help: "Total worker jobs by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediamill_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediamill_worker_active_jobs",
			Help: "Current number of jobs in the transcode/upload stages.",
		}),
		variantOutputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediamill_worker_variant_outputs_total",
			Help: "Total variant objects uploaded by the worker.",
		}),
		variantFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediamill_worker_variant_failures_total",
			Help: "Total variants that failed to transcode or upload.",
		}),
		staleJobsResetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediamill_worker_stale_jobs_reset_total",
			Help: "Total stale processing jobs reset to pending by the recovery sweep.",
		}),
		claimedJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediamill_worker_claimed_jobs_total",
			Help: "Total jobs claimed from the store by this process.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.variantOutputsTotal,
		m.variantFailuresTotal,
		m.staleJobsResetTotal,
		m.claimedJobsTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
