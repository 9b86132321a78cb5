package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	// Connection metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram

	// Admission-control metrics
	ArbitratorSlotsAvailable prometheus.Gauge
	ArbitratorQueueLength    prometheus.Gauge
	ChunkTimeoutsTotal       prometheus.Counter
	NewRequestsThrottled     prometheus.Counter

	// Ledger metrics
	LedgerWritesTotal *prometheus.CounterVec

	// Active transfers counter (atomic for thread-safety)
	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkxfer_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkxfer_transfers_active",
				Help: "Currently active transfers",
			},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkxfer_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkxfer_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkxfer_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkxfer_chunks_received_total",
				Help: "Total chunks received",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkxfer_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		QUICConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkxfer_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkxfer_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkxfer_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		ArbitratorSlotsAvailable: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkxfer_arbitrator_slots_available",
				Help: "Free upload slots in the arbitrator's admission budget",
			},
		),

		ArbitratorQueueLength: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkxfer_arbitrator_queue_length",
				Help: "Pending chunk-pull entries across all peers",
			},
		),

		ChunkTimeoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkxfer_chunk_timeouts_total",
				Help: "Chunk pulls evicted by the arbitrator's timer",
			},
		),

		NewRequestsThrottled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkxfer_new_requests_throttled_total",
				Help: "NEW requests rejected by the per-peer rate limiter",
			},
		),

		LedgerWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkxfer_ledger_writes_total",
				Help: "Transfer outcomes appended to the ledger",
			},
			[]string{"result"},
		),
	}

	return m
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(durationSeconds float64) {
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(durationSeconds)
}

// SetArbitratorGauges refreshes the admission-control gauges. Called
// after every queue/release so /metrics reflects the live slot budget.
func (m *Metrics) SetArbitratorGauges(slotsAvailable, queueLength int) {
	m.ArbitratorSlotsAvailable.Set(float64(slotsAvailable))
	m.ArbitratorQueueLength.Set(float64(queueLength))
}

// RecordChunkTimeout increments the arbitrator-eviction counter.
func (m *Metrics) RecordChunkTimeout() {
	m.ChunkTimeoutsTotal.Inc()
}

// RecordNewThrottled increments the per-peer throttling counter.
func (m *Metrics) RecordNewThrottled() {
	m.NewRequestsThrottled.Inc()
}

// RecordLedgerWrite increments the ledger-append counter.
func (m *Metrics) RecordLedgerWrite(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.LedgerWritesTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
