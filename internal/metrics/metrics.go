// Package metrics exposes Prometheus collectors for the processing pipeline.
// All recording methods are safe on a nil *Collectors so callers can run
// without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tessera"

// Collectors groups the pipeline metrics on a private registry.
type Collectors struct {
	registry *prometheus.Registry

	claims        prometheus.Counter
	finished      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	staleReleased prometheus.Counter
	transferBytes prometheus.Counter
	inFlight      prometheus.Gauge
	queueEntries  *prometheus.GaugeVec
	storeFailures prometheus.Counter
}

// New registers the pipeline collectors plus the Go runtime and process
// collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Queue entries claimed by this worker.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_finished_total",
			Help: "Processing attempts by resulting queue status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_failures_total",
			Help: "Stage failures by stage and classification.",
		}, []string{"stage", "kind"}),
		staleReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_released_total",
			Help: "Processing entries returned by the stale-claim sweep.",
		}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfer_bytes_total",
			Help: "Bytes written to the archive.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight_entries",
			Help: "Entries currently being processed by this worker.",
		}),
		queueEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_entries",
			Help: "Queue entries by status at the last sweep.",
		}, []string{"status"}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_failures_total",
			Help: "Metadata store errors seen by the poll loop.",
		}),
	}
	c.registry.MustRegister(
		c.claims, c.finished, c.stageDuration, c.stageFailures, c.staleReleased,
		c.transferBytes, c.inFlight, c.queueEntries, c.storeFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) ObserveClaim() {
	if c == nil {
		return
	}
	c.claims.Inc()
}

func (c *Collectors) ObserveFinished(status string) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(status).Inc()
}

func (c *Collectors) ObserveStage(stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (c *Collectors) ObserveStageFailure(stage, kind string) {
	if c == nil {
		return
	}
	c.stageFailures.WithLabelValues(stage, kind).Inc()
}

func (c *Collectors) ObserveStaleReleased(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.staleReleased.Add(float64(n))
}

func (c *Collectors) ObserveTransfer(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	c.transferBytes.Add(float64(bytes))
}

func (c *Collectors) ObserveStoreFailure() {
	if c == nil {
		return
	}
	c.storeFailures.Inc()
}

func (c *Collectors) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// SetQueueEntries replaces the per-status queue gauge.
func (c *Collectors) SetQueueEntries(counts map[string]int) {
	if c == nil {
		return
	}
	c.queueEntries.Reset()
	for status, n := range counts {
		c.queueEntries.WithLabelValues(status).Set(float64(n))
	}
}
