package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the PTT broker. Scraped at /metrics.
var (
	// Subscriber connection metrics
	subscribersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_subscribers_connected",
		Help: "Current number of connected subscriber streams",
	})

	subscribersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_subscribers_total",
		Help: "Total subscriber streams accepted",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_connections_rejected_total",
		Help: "Subscriber connections rejected, by reason",
	}, []string{"reason"})

	// Broker metrics
	brokersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_brokers_active",
		Help: "Channel brokers currently hydrated",
	})

	brokerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_broker_restarts_total",
		Help: "Brokers torn down after a panic",
	})

	participantsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_participants_active",
		Help: "Participants present across all channels",
	})

	// Transmission metrics
	transmissionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_transmissions_active",
		Help: "Transmissions currently live (at most one per channel)",
	})

	transmissionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_transmissions_started_total",
		Help: "Transmissions started, by emergency flag",
	}, []string{"emergency"})

	transmissionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_transmissions_ended_total",
		Help: "Transmissions ended, by reason (normal, duration_exceeded, idle_timeout, transmitter_left, server_shutdown)",
	}, []string{"reason"})

	transmissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ptt_transmission_duration_seconds",
		Help:    "Transmission duration from start to end",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60},
	})

	// Chunk metrics
	chunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_chunks_received_total",
		Help: "Audio chunks accepted and broadcast",
	})

	chunkBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_chunk_bytes_total",
		Help: "Audio payload bytes accepted",
	})

	chunksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_chunks_rejected_total",
		Help: "Chunks rejected, by reason (too_large, too_old, no_session)",
	}, []string{"reason"})

	chunksDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_chunks_duplicate_total",
		Help: "Duplicate chunks acknowledged without re-broadcast",
	})

	// Fan-out metrics
	framesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_frames_enqueued_total",
		Help: "Frames enqueued to subscriber handles",
	})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_frames_dropped_total",
		Help: "Frames dropped on full subscriber queues, by class (audio, control)",
	}, []string{"class"})

	// Audit metrics
	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_audit_queue_depth",
		Help: "Audit records waiting for the sink worker",
	})

	droppedAudit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_audit_dropped_total",
		Help: "Audit records dropped on sink queue overflow",
	})

	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_audit_errors_total",
		Help: "Audit store write failures (records lost, live traffic unaffected)",
	})
)

func init() {
	prometheus.MustRegister(
		subscribersConnected,
		subscribersTotal,
		ConnectionsRejected,
		brokersActive,
		brokerRestarts,
		participantsActive,
		transmissionsActive,
		transmissionsStarted,
		transmissionsEnded,
		transmissionDuration,
		chunksReceived,
		chunkBytes,
		chunksRejected,
		chunksDuplicate,
		framesEnqueued,
		framesDropped,
		auditQueueDepth,
		droppedAudit,
		auditErrors,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func IncrementSubscribers() {
	subscribersTotal.Inc()
	subscribersConnected.Inc()
}

func DecrementSubscribers() { subscribersConnected.Dec() }

func SetBrokersActive(n int) { brokersActive.Set(float64(n)) }

func IncrementBrokerRestarts() { brokerRestarts.Inc() }

func AddParticipants(delta int) { participantsActive.Add(float64(delta)) }

func RecordTransmissionStarted(emergency bool) {
	transmissionsActive.Inc()
	label := "false"
	if emergency {
		label = "true"
	}
	transmissionsStarted.WithLabelValues(label).Inc()
}

func RecordTransmissionEnded(reason string, seconds float64) {
	transmissionsActive.Dec()
	if reason == "" {
		reason = "normal"
	}
	transmissionsEnded.WithLabelValues(reason).Inc()
	transmissionDuration.Observe(seconds)
}

func RecordChunkAccepted(sizeBytes int) {
	chunksReceived.Inc()
	chunkBytes.Add(float64(sizeBytes))
}

func RecordChunkRejected(reason string) { chunksRejected.WithLabelValues(reason).Inc() }

func IncrementDuplicateChunks() { chunksDuplicate.Inc() }

func RecordFrameEnqueued() { framesEnqueued.Inc() }

func RecordFrameDropped(class string) { framesDropped.WithLabelValues(class).Inc() }

func SetAuditQueueDepth(n int) { auditQueueDepth.Set(float64(n)) }

func IncrementDroppedAudit() { droppedAudit.Inc() }

func IncrementAuditErrors() { auditErrors.Inc() }
