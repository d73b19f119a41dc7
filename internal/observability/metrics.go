package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nsbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "codec",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded from peers, by message tag.",
		},
		[]string{"transport", "tag"},
	)
	framesEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "codec",
			Name:      "frames_encoded_total",
			Help:      "Frames encoded to peers, by message tag.",
		},
		[]string{"transport", "tag"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Streams terminated by a decode error.",
		},
		[]string{"transport", "kind"},
	)
	brokerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Messages handled by the broker, by tag and outcome.",
		},
		[]string{"tag", "success"},
	)
	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "broker",
			Name:      "events_delivered_total",
			Help:      "Event copies handed to subscribers.",
		},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nsbus",
			Subsystem: "broker",
			Name:      "delivery_failures_total",
			Help:      "Messages that could not be handed to a peer.",
		},
		[]string{"reason"},
	)
	activePeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nsbus",
			Subsystem: "session",
			Name:      "active_peers",
			Help:      "Connected peers by transport.",
		},
		[]string{"transport"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesDecoded,
			framesEncoded,
			decodeErrors,
			brokerMessages,
			eventsDelivered,
			deliveryFailures,
			activePeers,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameDecoded(transport, tag string) {
	RegisterMetrics()
	framesDecoded.WithLabelValues(transport, tag).Inc()
}

func RecordFrameEncoded(transport, tag string) {
	RegisterMetrics()
	framesEncoded.WithLabelValues(transport, tag).Inc()
}

func RecordDecodeError(transport, kind string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(transport, kind).Inc()
}

func RecordBrokerMessage(tag string, success bool) {
	RegisterMetrics()
	brokerMessages.WithLabelValues(tag, strconv.FormatBool(success)).Inc()
}

func RecordEventsDelivered(n int) {
	RegisterMetrics()
	eventsDelivered.Add(float64(n))
}

func RecordDeliveryFailure(reason string) {
	RegisterMetrics()
	deliveryFailures.WithLabelValues(reason).Inc()
}

func PeerConnected(transport string) {
	RegisterMetrics()
	activePeers.WithLabelValues(transport).Inc()
}

func PeerDisconnected(transport string) {
	RegisterMetrics()
	activePeers.WithLabelValues(transport).Dec()
}
