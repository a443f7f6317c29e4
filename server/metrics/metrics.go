package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abmonitor"

// Collector groups the server prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	heartbeats     *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	consumers      *prometheus.GaugeVec
	consumersPurge prometheus.Counter

	reportRuns      *prometheus.CounterVec
	reportDuration  prometheus.Histogram
	reportProgress  prometheus.Gauge
	failedBatches   prometheus.Gauge
	optimizedScenes prometheus.Gauge
	uniqueScenes    prometheus.Gauge
	triggers        *prometheus.CounterVec
}

// NewCollector creates the metrics on a dedicated registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received by process method.",
		}, []string{"process_method"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job completions received by status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Reported duration of optimization jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Last queue depth reported per entity type.",
		}, []string{"entity_type"}),
		consumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers",
			Help:      "Consumers seen in the last listing by derived status.",
		}, []string{"status"}),
		consumersPurge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_purged_total",
			Help:      "Consumer rows deleted for lack of heartbeat.",
		}),
		reportRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_runs_total",
			Help:      "Report runs by outcome (success, failure, skipped).",
		}, []string{"outcome"}),
		reportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_duration_seconds",
			Help:      "Duration of complete report runs.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
		reportProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "report_progress_percent",
			Help:      "Progress of the running report, 0 when idle.",
		}),
		failedBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_failed_batches",
			Help:      "Sub-grids skipped by the last world scan.",
		}),
		optimizedScenes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "optimized_scenes",
			Help:      "Scenes with optimized assets in the last report.",
		}),
		uniqueScenes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unique_scenes",
			Help:      "Unique scenes found by the last world scan.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggered_entities_total",
			Help:      "Entities forwarded to the producer by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.heartbeats, c.jobsCompleted, c.jobDuration, c.queueDepth, c.consumers, c.consumersPurge,
		c.reportRuns, c.reportDuration, c.reportProgress, c.failedBatches, c.optimizedScenes,
		c.uniqueScenes, c.triggers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Heartbeat(processMethod string) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(processMethod).Inc()
}

func (c *Collector) JobCompleted(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(status).Inc()
	c.jobDuration.Observe(d.Seconds())
}

func (c *Collector) QueueDepth(entityType string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(entityType).Set(float64(depth))
}

// Consumers records the number of consumers per derived status.
func (c *Collector) Consumers(byStatus map[string]int) {
	if c == nil {
		return
	}
	c.consumers.Reset()
	for status, n := range byStatus {
		c.consumers.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) ConsumersPurged(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.consumersPurge.Add(float64(n))
}

func (c *Collector) ReportSkipped() {
	if c == nil {
		return
	}
	c.reportRuns.WithLabelValues("skipped").Inc()
}

func (c *Collector) ReportProgress(pct float64) {
	if c == nil {
		return
	}
	c.reportProgress.Set(pct)
}

func (c *Collector) ReportFailed(d time.Duration) {
	if c == nil {
		return
	}
	c.reportRuns.WithLabelValues("failure").Inc()
	c.reportDuration.Observe(d.Seconds())
	c.reportProgress.Set(0)
}

func (c *Collector) ReportSucceeded(d time.Duration, uniqueScenes, optimized, failedBatches int) {
	if c == nil {
		return
	}
	c.reportRuns.WithLabelValues("success").Inc()
	c.reportDuration.Observe(d.Seconds())
	c.reportProgress.Set(0)
	c.uniqueScenes.Set(float64(uniqueScenes))
	c.optimizedScenes.Set(float64(optimized))
	c.failedBatches.Set(float64(failedBatches))
}

func (c *Collector) Triggered(queued, failed int) {
	if c == nil {
		return
	}
	c.triggers.WithLabelValues("queued").Add(float64(queued))
	c.triggers.WithLabelValues("failed").Add(float64(failed))
}
