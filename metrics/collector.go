// Package metrics exposes lifecycle counters to Prometheus and serves them
// over a fasthttp endpoint.
package metrics

import (
	"errors"

	"github.com/opd-ai/ephemera/expiry"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ephemera"

// Collector records lifecycle signals. It implements lifecycle.Observer.
type Collector struct {
	registry *prometheus.Registry

	sent        *prometheus.CounterVec
	sendFailed  *prometheus.CounterVec
	received    prometheus.Counter
	transitions *prometheus.CounterVec
	mediaDelete *prometheus.CounterVec
	duplicates  prometheus.Counter

	sweeps         prometheus.Counter
	sweepDeleted   prometheus.Counter
	sweepFailed    prometheus.Counter
	sweepExhausted prometheus.Counter
	sweepDuration  prometheus.Histogram
	localSwept     prometheus.Counter
}

// NewCollector creates a collector with its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent, by content type.",
		}, []string{"content_type"}),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed sends, by failure kind.",
		}, []string{"kind"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received and acknowledged on this device.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions performed by this device.",
		}, []string{"state", "reason"}),
		mediaDelete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_deletes_total",
			Help:      "Blob deletions, by result.",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Sync events skipped as duplicates.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "sweeps_total",
			Help:      "Completed expiration sweeps.",
		}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "deleted_total",
			Help:      "Messages deleted by expiration sweeps.",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "failures_total",
			Help:      "Per-message failures during expiration sweeps.",
		}),
		sweepExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "exhausted_total",
			Help:      "Messages whose delete retries were exhausted.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiration sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		localSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "local",
			Name:      "records_swept_total",
			Help:      "Local records removed by retention.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sent, c.sendFailed, c.received, c.transitions, c.mediaDelete, c.duplicates,
		c.sweeps, c.sweepDeleted, c.sweepFailed, c.sweepExhausted, c.sweepDuration,
		c.localSwept,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterGauge exposes a value computed on scrape.
func (c *Collector) RegisterGauge(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (c *Collector) MessageSent(ct messaging.ContentType) {
	c.sent.WithLabelValues(ct.String()).Inc()
}

func (c *Collector) SendFailed(kind error) {
	c.sendFailed.WithLabelValues(kindLabel(kind)).Inc()
}

func (c *Collector) MessageReceived() {
	c.received.Inc()
}

func (c *Collector) Transition(to messaging.LifecycleState, reason messaging.DeleteReason) {
	c.transitions.WithLabelValues(to.String(), string(reason)).Inc()
}

func (c *Collector) MediaCleanup(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.mediaDelete.WithLabelValues(result).Inc()
}

func (c *Collector) DuplicateEvent() {
	c.duplicates.Inc()
}

// ObserveSweep records an expiry sweep report.
func (c *Collector) ObserveSweep(r expiry.SweepReport) {
	c.sweeps.Inc()
	c.sweepDeleted.Add(float64(r.Deleted))
	c.sweepFailed.Add(float64(r.Failed))
	c.sweepExhausted.Add(float64(r.Exhausted))
	c.sweepDuration.Observe(r.Duration.Seconds())
}

// ObserveRetention records a local retention run.
func (c *Collector) ObserveRetention(removed int) {
	c.localSwept.Add(float64(removed))
}

func kindLabel(err error) string {
	switch {
	case errors.Is(err, messaging.ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, messaging.ErrDownloadFailed):
		return "download_failed"
	case errors.Is(err, messaging.ErrRemoteWriteFailed):
		return "remote_write_failed"
	case errors.Is(err, messaging.ErrRemoteDeleteFailed):
		return "remote_delete_failed"
	case errors.Is(err, messaging.ErrLocalWriteFailed):
		return "local_write_failed"
	case errors.Is(err, messaging.ErrNoRecipients):
		return "no_recipients"
	case errors.Is(err, messaging.ErrInvalidMessage):
		return "invalid_message"
	default:
		return "other"
	}
}
