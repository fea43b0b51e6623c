package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/pipeline"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	ItemsSubmitted   *prometheus.CounterVec
	ItemsRejected    *prometheus.CounterVec
	ItemsEvicted     prometheus.Counter
	BatchesDelivered prometheus.Counter
	BatchesRetried   prometheus.Counter
	BatchesDiscarded *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec
	BatchesInFlight  prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_items_submitted_total",
			Help: "Total number of items accepted into the queue.",
		}, []string{"priority"}),

		ItemsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_items_rejected_total",
			Help: "Total number of submissions rejected at the facade.",
		}, []string{"reason"}),

		ItemsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_items_evicted_total",
			Help: "Total number of queued items displaced by newer submissions.",
		}),

		BatchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_delivered_total",
			Help: "Total number of batches acknowledged by the endpoint.",
		}),

		BatchesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_retried_total",
			Help: "Total number of retry attempts scheduled after retryable failures.",
		}),

		BatchesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_batches_discarded_total",
			Help: "Total number of batches dropped for a terminal reason.",
		}, []string{"reason"}),

		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_delivery_seconds",
			Help:    "Latency of a single Transport.Send attempt.",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of queued items per priority lane.",
		}, []string{"priority"}),

		BatchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_batches_in_flight",
			Help: "Batches currently in the sending or retrying state.",
		}),
	}

	reg.MustRegister(
		m.ItemsSubmitted,
		m.ItemsRejected,
		m.ItemsEvicted,
		m.BatchesDelivered,
		m.BatchesRetried,
		m.BatchesDiscarded,
		m.DeliveryLatency,
		m.QueueDepth,
		m.BatchesInFlight,
	)

	return m
}

// PipelineHooks returns the metric callbacks expected by pipeline.Hooks.
// Centralising the prometheus observation calls here keeps the pipeline
// package metrics-agnostic.
func (m *Metrics) PipelineHooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnSubmitted: func(p domain.Priority) {
			m.ItemsSubmitted.WithLabelValues(string(p)).Inc()
		},
		OnRejected: func(reason string) {
			m.ItemsRejected.WithLabelValues(reason).Inc()
		},
		OnEvicted: func() {
			m.ItemsEvicted.Inc()
		},
		OnDelivered: func(latency time.Duration) {
			m.BatchesDelivered.Inc()
			m.DeliveryLatency.Observe(latency.Seconds())
		},
		OnRetried: func() {
			m.BatchesRetried.Inc()
		},
		OnDiscarded: func(reason domain.DiscardReason) {
			m.BatchesDiscarded.WithLabelValues(string(reason)).Inc()
		},
		OnDepth: func(critical, normal, inFlight int) {
			m.QueueDepth.WithLabelValues(string(domain.PriorityCritical)).Set(float64(critical))
			m.QueueDepth.WithLabelValues(string(domain.PriorityNormal)).Set(float64(normal))
			m.BatchesInFlight.Set(float64(inFlight))
		},
	}
}
