// Package metrics exposes Prometheus metrics of the coordinator.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ceremony collects the coordinator's domain metrics. A nil *Ceremony is
// valid and records nothing.
type Ceremony struct {
	registrations *prometheus.CounterVec
	contributions *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	uploadChunks  prometheus.Counter
	verification  *prometheus.HistogramVec
	queueLength   *prometheus.GaugeVec
}

// NewCeremony registers the ceremony metrics with reg.
func NewCeremony(namespace string, reg prometheus.Registerer) *Ceremony {
	c := &Ceremony{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Participants admitted into a ceremony.",
		}, []string{"ceremony"}),
		contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributions_total",
			Help:      "Verified contributions by outcome.",
		}, []string{"circuit", "outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Contributors evicted for stalling, by timeout type.",
		}, []string{"circuit", "type"}),
		uploadChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Acknowledged multipart upload chunks.",
		}),
		verification: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_seconds",
			Help:      "Time spent verifying contributions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"circuit"}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_queue_length",
			Help:      "Participants waiting per circuit.",
		}, []string{"circuit"}),
	}
	reg.MustRegister(c.registrations, c.contributions, c.evictions, c.uploadChunks, c.verification, c.queueLength)
	return c
}

func (c *Ceremony) Registered(ceremony string) {
	if c != nil {
		c.registrations.WithLabelValues(ceremony).Inc()
	}
}

func (c *Ceremony) Contribution(circuit string, valid bool) {
	if c == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	c.contributions.WithLabelValues(circuit, outcome).Inc()
}

func (c *Ceremony) Evicted(circuit, timeoutType string) {
	if c != nil {
		c.evictions.WithLabelValues(circuit, timeoutType).Inc()
	}
}

func (c *Ceremony) UploadChunk() {
	if c != nil {
		c.uploadChunks.Inc()
	}
}

func (c *Ceremony) Verified(circuit string, d time.Duration) {
	if c != nil {
		c.verification.WithLabelValues(circuit).Observe(d.Seconds())
	}
}

func (c *Ceremony) QueueLength(circuit string, n int) {
	if c != nil {
		c.queueLength.WithLabelValues(circuit).Set(float64(n))
	}
}

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	registry *prometheus.Registry
	ceremony *Ceremony
	srv      *http.Server
}

// New creates a metrics registry with Go runtime collectors and the
// ceremony metrics, served on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		ceremony: NewCeremony(namespace, registry),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Ceremony returns the domain metrics registered with this server.
func (m *MetricsServer) Ceremony() *Ceremony {
	return m.ceremony
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
