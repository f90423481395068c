// Package metrics exposes kernel launch measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/nbkernel/internal/kernel/launch"
	"github.com/dshills/nbkernel/internal/kernel/message"
)

// DefaultNamespace prefixes every metric name when no namespace is given.
const DefaultNamespace = "nbkernel"

// Collector records launch measurements. It implements launch.Recorder.
type Collector struct {
	launches          *prometheus.CounterVec
	launchDuration    *prometheus.HistogramVec
	handshakes        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	transitions       *prometheus.CounterVec
	liveKernels       prometheus.Gauge

	registry *prometheus.Registry
}

var _ launch.Recorder = (*Collector)(nil)

// New creates a Collector with its own registry. The registry also carries
// the Go runtime and process collectors.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_launches_total",
			Help:      "Total number of kernel launches by result",
		},
		[]string{"result"},
	)

	c.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_launch_duration_seconds",
			Help:      "Time from spawn to launch success or failure",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"result"},
	)

	c.handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_handshakes_total",
			Help:      "Total number of kernel_info handshakes by outcome",
		},
		[]string{"outcome"},
	)

	c.handshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_handshake_duration_seconds",
			Help:      "Time from channel bind to kernel_info_reply",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_status_transitions_total",
			Help:      "Total number of execution state changes reported on iopub",
		},
		[]string{"state"},
	)

	c.liveKernels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernels_live",
			Help:      "Number of launched kernels that have not terminated",
		},
	)

	c.registry.MustRegister(
		c.launches,
		c.launchDuration,
		c.handshakes,
		c.handshakeDuration,
		c.transitions,
		c.liveKernels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// LaunchFinished counts a launch outcome.
func (c *Collector) LaunchFinished(result string, elapsed time.Duration) {
	c.launches.WithLabelValues(result).Inc()
	c.launchDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// HandshakeFinished counts a handshake. Only successful handshakes are
// timed.
func (c *Collector) HandshakeFinished(elapsed time.Duration, err error) {
	if err != nil {
		c.handshakes.WithLabelValues("failed").Inc()
		return
	}
	c.handshakes.WithLabelValues("succeeded").Inc()
	c.handshakeDuration.Observe(elapsed.Seconds())
}

func (c *Collector) StatusChanged(state message.ExecutionState) {
	c.transitions.WithLabelValues(string(state)).Inc()
}

func (c *Collector) KernelStarted() {
	c.liveKernels.Inc()
}

func (c *Collector) KernelStopped() {
	c.liveKernels.Dec()
}
