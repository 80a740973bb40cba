package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "romer"

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "connections_active",
		Help:      "Open participant connections",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "connections_rejected_total",
		Help:      "Connections closed on accept because the limit was reached",
	})

	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "bytes_total",
		Help:      "Bytes moved over participant connections",
	}, []string{"direction"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "messages_total",
		Help:      "FIX messages moved over participant connections",
	}, []string{"direction"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "decode_errors_total",
		Help:      "Framing and parse errors by kind",
	}, []string{"kind"})

	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Session lifecycle events",
	}, []string{"event"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions in the Active state",
	})

	SequenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "sequence_errors_total",
		Help:      "Messages rejected for an unexpected sequence number",
	})

	MessagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "messages_forwarded_total",
		Help:      "Messages accepted and forwarded to the batcher",
	})

	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "batches_flushed_total",
		Help:      "Batches emitted, by flush trigger",
	}, []string{"trigger"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "batch_size",
		Help:      "Messages per emitted batch",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	BlocksSealed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_sealed_total",
		Help:      "Blocks built and handed to sinks",
	})

	BlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "block_height",
		Help:      "ID of the latest sealed block",
	})

	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "sink_failures_total",
		Help:      "Failed block appends by sink",
	}, []string{"sink"})
)
