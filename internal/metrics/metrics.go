package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector exported by the pipeline
type Metrics struct {
	Received       prometheus.Counter
	DecodeErrors   prometheus.Counter
	Rejected       *prometheus.CounterVec
	Accepted       prometheus.Counter
	Deduplicated   prometheus.Counter
	Persisted      prometheus.Counter
	DataLoss       prometheus.Counter
	FlushRetries   prometheus.Counter
	FlushDuration  prometheus.Histogram
	PipelineState  prometheus.Gauge
	Reconnects     prometheus.Counter
	Subscribers    prometheus.Gauge
	MessagesSent   prometheus.Counter
	SendFailures   prometheus.Counter
	Disconnects    *prometheus.CounterVec
	PublishDropped prometheus.Counter
	Pruned         prometheus.Counter
	PruneFailures  prometheus.Counter
	InfluxErrors   prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_received_total",
			Help: "Samples decoded from the upstream feed.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_decode_errors_total",
			Help: "Feed messages dropped because they could not be decoded.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positions_rejected_total",
			Help: "Samples rejected by validation, by reason.",
		}, []string{"reason"}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_accepted_total",
			Help: "Samples accepted and promoted to positions.",
		}),
		Deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_deduplicated_total",
			Help: "Accepted positions dropped as duplicates inside the dedup window.",
		}),
		Persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_persisted_total",
			Help: "Positions committed to the store.",
		}),
		DataLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_data_loss_total",
			Help: "Positions dropped after the flush retry budget was exhausted.",
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positions_flush_retries_total",
			Help: "Failed flush attempts that were retried or abandoned.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "positions_flush_duration_seconds",
			Help:    "Time to commit one batch, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		PipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_state",
			Help: "Current ingest state (0=disconnected 1=connecting 2=connected 3=degraded 4=reconnecting 5=failed).",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_reconnects_total",
			Help: "Reconnect attempts to the upstream feed.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Connected subscriber websockets.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_messages_sent_total",
			Help: "Position updates written to subscribers.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_send_failures_total",
			Help: "Failed subscriber send attempts.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_disconnects_total",
			Help: "Subscriber disconnects, by cause.",
		}, []string{"cause"}),
		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_publish_dropped_total",
			Help: "Updates dropped because the publish queue was full.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retention_pruned_total",
			Help: "Positions deleted by retention pruning.",
		}),
		PruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retention_prune_failures_total",
			Help: "Retention passes that failed after retries.",
		}),
		InfluxErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "influx_write_errors_total",
			Help: "Batches that could not be mirrored to InfluxDB.",
		}),
	}

	reg.MustRegister(
		m.Received, m.DecodeErrors, m.Rejected, m.Accepted, m.Deduplicated,
		m.Persisted, m.DataLoss, m.FlushRetries, m.FlushDuration,
		m.PipelineState, m.Reconnects,
		m.Subscribers, m.MessagesSent, m.SendFailures, m.Disconnects, m.PublishDropped,
		m.Pruned, m.PruneFailures, m.InfluxErrors,
	)

	return m
}

// NewUnregistered creates collectors on a private registry, for tests and tools
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
