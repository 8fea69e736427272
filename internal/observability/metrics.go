package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldgate"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Agent connections currently open, registered or not.",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Agent handshakes by outcome.",
		},
		[]string{"outcome"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Frames parsed or written by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	unknownFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "unknown_frames_total",
			Help:      "Inbound frames skipped because their type was unknown at the negotiated version.",
		},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "protocol_errors_total",
			Help:      "Connections terminated by protocol errors.",
		},
		[]string{"reason"},
	)
	replacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "replacements_total",
			Help:      "Registered connections displaced by a newer connection for the same agent.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Command-plane commands by kind and result.",
		},
		[]string{"kind", "result"},
	)
	droppedOutbound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "outbound_dropped_total",
			Help:      "Queued outbound messages discarded at connection termination.",
		},
	)
	undeliveredInbound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "inbound_undelivered_total",
			Help:      "Inbound messages a subscriber never received because the publish was abandoned.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			activeConns, handshakes, frames, unknownFrames,
			protocolErrors, replacements, commands, droppedOutbound,
			undeliveredInbound,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func ConnectionOpened() {
	RegisterMetrics()
	activeConns.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	activeConns.Dec()
}

func RecordHandshake(outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(outcome).Inc()
}

func RecordFrame(direction, kind string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, kind).Inc()
}

func RecordUnknownFrame() {
	RegisterMetrics()
	unknownFrames.Inc()
}

func RecordProtocolError(reason string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(reason).Inc()
}

func RecordReplacement() {
	RegisterMetrics()
	replacements.Inc()
}

func RecordCommand(kind, result string) {
	RegisterMetrics()
	commands.WithLabelValues(kind, result).Inc()
}

func RecordDroppedOutbound(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	droppedOutbound.Add(float64(n))
}

func RecordUndeliveredInbound() {
	RegisterMetrics()
	undeliveredInbound.Inc()
}
