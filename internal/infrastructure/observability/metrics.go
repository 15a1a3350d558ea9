package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom-backend/internal/domain/events"
	pkgerrors "loom-backend/pkg/errors"
)

// Collector holds the prometheus metrics of the application on its own
// registry.
type Collector struct {
	registry *prometheus.Registry

	TreeChanges        *prometheus.CounterVec
	TreeVersion        prometheus.Gauge
	GenerationRequests *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	DistributedNodes   prometheus.Histogram
	Errors             *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// NewCollector creates a collector whose metric names are prefixed with
// namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		TreeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tree_changes_total",
			Help:      "Nodes touched by tree updates, by operation and change kind",
		}, []string{"operation", "kind"}),
		TreeVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tree_version",
			Help:      "Version of the served document tree",
		}),
		GenerationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Generation requests by provider and status",
		}, []string{"provider", "status"}),
		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		DistributedNodes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "distributed_nodes",
			Help:      "Nodes rewritten per flat-text edit",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors returned to callers, by type",
		}, []string{"type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.TreeChanges,
		c.TreeVersion,
		c.GenerationRequests,
		c.GenerationDuration,
		c.DistributedNodes,
		c.Errors,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTreeChange counts the nodes of a tree notification. It is meant to be
// subscribed to a tree.
func (c *Collector) ObserveTreeChange(evt events.TreeChanged) {
	c.TreeChanges.WithLabelValues(evt.Operation, "added").Add(float64(len(evt.Added)))
	c.TreeChanges.WithLabelValues(evt.Operation, "edited").Add(float64(len(evt.Edited)))
	c.TreeChanges.WithLabelValues(evt.Operation, "deleted").Add(float64(len(evt.Deleted)))
	c.TreeVersion.Set(float64(evt.Version))
}

// RecordGeneration records one provider call.
func (c *Collector) RecordGeneration(provider string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.GenerationRequests.WithLabelValues(provider, status).Inc()
	c.GenerationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordDistribution records how many nodes one flat-text edit rewrote.
func (c *Collector) RecordDistribution(changed int) {
	c.DistributedNodes.Observe(float64(changed))
}

// RecordError counts err by its error type.
func (c *Collector) RecordError(err error) {
	if err == nil {
		return
	}
	errType := string(pkgerrors.ErrorTypeInternal)
	if appErr := pkgerrors.GetAppError(err); appErr != nil {
		errType = string(appErr.Type)
	}
	c.Errors.WithLabelValues(errType).Inc()
}
