package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type TxRejectedReason string

var (
	TxDuplicated      TxRejectedReason = "duplicated"
	TxPoolFull        TxRejectedReason = "pool_full"
	TxEvicted         TxRejectedReason = "evicted"
	TxRejectedUnknown TxRejectedReason = "other"
)

type nodePromMetrics struct {
	nodeUpUnixSeconds prometheus.Gauge
	poolSize          prometheus.Gauge
	tipSequence       prometheus.Gauge
	syncedPeerCount   prometheus.Gauge
	pendingBlockCount prometheus.Gauge
	rejectedTxCount   *prometheus.CounterVec
	confirmedBlocks   prometheus.Counter
	rejectedBlocks    prometheus.Counter
	panicCount        prometheus.Counter
}

func newNodePromMetrics() *nodePromMetrics {
	return &nodePromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "folioledger_node_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the node start",
			},
		),
		poolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "folioledger_node_pool_size",
				Help: "The total pending transactions queued in the node's transaction pool",
			},
		),
		tipSequence: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "folioledger_node_tip_sequence",
				Help: "The sequence number of the current chain tip",
			},
		),
		syncedPeerCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "folioledger_node_synced_peer_count",
				Help: "The number of archival miner peers currently in SYNCED state",
			},
		),
		pendingBlockCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "folioledger_node_pending_block_count",
				Help: "Blocks appended locally but not yet confirmed by quorum",
			},
		),
		rejectedTxCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folioledger_node_rejected_tx_count",
				Help: "The total number of rejected transactions",
			},
			[]string{"reason"},
		),
		confirmedBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "folioledger_node_confirmed_block_count",
				Help: "The total number of blocks promoted to CONFIRMED",
			},
		),
		rejectedBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "folioledger_node_rejected_block_count",
				Help: "The total number of blocks rolled back after a miner integrity failure",
			},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "folioledger_node_panic_count",
				Help: "The total number of recovered panics",
			},
		),
	}
}

var metrics = newNodePromMetrics()

func SetNodeUp(unixSeconds float64) {
	metrics.nodeUpUnixSeconds.Set(unixSeconds)
}

func SetPoolSize(n int) {
	metrics.poolSize.Set(float64(n))
}

func SetTipSequence(seq uint64) {
	metrics.tipSequence.Set(float64(seq))
}

func SetSyncedPeerCount(n int) {
	metrics.syncedPeerCount.Set(float64(n))
}

func SetPendingBlockCount(n int) {
	metrics.pendingBlockCount.Set(float64(n))
}

func IncreaseRejectedTxCount(reason TxRejectedReason) {
	metrics.rejectedTxCount.WithLabelValues(string(reason)).Inc()
}

func IncreaseConfirmedBlockCount() {
	metrics.confirmedBlocks.Inc()
}

func IncreaseRejectedBlockCount() {
	metrics.rejectedBlocks.Inc()
}

func IncreasePanicCount() {
	metrics.panicCount.Inc()
}

// Handler returns the HTTP handler served under /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
