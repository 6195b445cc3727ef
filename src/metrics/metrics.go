package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgerd"

// Metrics holds the prometheus instruments exposed by the node. They are
// write-only from the node's perspective: nothing in the core logic reads
// them back.
type Metrics struct {
	// ConnectedPeers is the number of peers in the Connected state.
	ConnectedPeers prometheus.Gauge

	// SyncWindowLatency observes the time between issuing a sync window
	// request and applying its blocks, in seconds.
	SyncWindowLatency prometheus.Histogram

	// MempoolSize is the number of pending transactions.
	MempoolSize prometheus.Gauge

	// ReorgDepth observes the number of blocks removed by each reorg.
	ReorgDepth prometheus.Histogram

	// Violations counts peer violations by severity.
	Violations *prometheus.CounterVec

	// BlocksApplied counts blocks appended to the chain.
	BlocksApplied prometheus.Counter
}

// New creates Metrics registered with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of connected peers.",
		}),
		SyncWindowLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_window_latency_seconds",
			Help:      "Time from sync window request to application.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_size",
			Help:      "Number of pending transactions in the mempool.",
		}),
		ReorgDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reorg_depth",
			Help:      "Number of blocks removed by a reorg.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_violations_total",
			Help:      "Peer violations by severity.",
		}, []string{"severity"}),
		BlocksApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_applied_total",
			Help:      "Blocks appended to the chain.",
		}),
	}
}

// Nop creates Metrics that are not registered anywhere. Updating them is
// cheap and their values are never scraped.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
