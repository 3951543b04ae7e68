package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a service. Every collector is
// registered on the instance's own registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisDegraded      prometheus.Gauge
	redisCommandsTotal *prometheus.CounterVec

	// WebSocket / relay Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec
	relayDroppedTotal      *prometheus.CounterVec

	// Call session Metrics
	callsTotal               *prometheus.CounterVec
	sessionsActive           prometheus.Gauge
	callsDuration            *prometheus.HistogramVec
	negotiationsCompleted    *prometheus.CounterVec
	sessionEventsRejected    *prometheus.CounterVec
	groupInvitesDroppedTotal prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// Call log Metrics
	callLogWritesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being processed",
			ConstLabels: labels,
		}),

		redisDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "redis_degraded_mode",
			Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
			ConstLabels: labels,
		}),
		redisCommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "redis_commands_total",
			Help:        "Total number of Redis commands",
			ConstLabels: labels,
		}, []string{"command", "status"}),

		websocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Number of active WebSocket connections",
			ConstLabels: labels,
		}),
		websocketMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "websocket_messages_total",
			Help:        "Total number of WebSocket messages",
			ConstLabels: labels,
		}, []string{"type", "direction"}),
		websocketErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "websocket_errors_total",
			Help:        "Total number of WebSocket errors",
			ConstLabels: labels,
		}, []string{"error"}),
		relayDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "relay_dropped_total",
			Help:        "Signaling messages dropped because the destination had no connection",
			ConstLabels: labels,
		}, []string{"type"}),

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_total",
			Help:        "Total number of terminated call sessions by outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome", "reason"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "call_sessions_active",
			Help:        "Number of call sessions that have not ended",
			ConstLabels: labels,
		}),
		callsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "calls_duration_seconds",
			Help:        "Call duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"kind"}),
		negotiationsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "negotiations_completed_total",
			Help:        "Peer negotiations that reached the stable state",
			ConstLabels: labels,
		}, []string{"role"}),
		sessionEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "session_events_rejected_total",
			Help:        "Session events rejected by the state machine",
			ConstLabels: labels,
		}, []string{"type", "code"}),
		groupInvitesDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "group_invites_dropped_total",
			Help:        "Group invites removed after expiring in Pending",
			ConstLabels: labels,
		}),

		pushNotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "push_notifications_total",
			Help:        "Total number of push notifications sent",
			ConstLabels: labels,
		}, []string{"type"}),
		pushNotificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "push_notifications_failed_total",
			Help:        "Total number of failed push notifications",
			ConstLabels: labels,
		}, []string{"type", "reason"}),

		callLogWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_log_writes_total",
			Help:        "Call log rows written",
			ConstLabels: labels,
		}, []string{"status"}),
	}
}

// GetRegistry returns the registry the metrics endpoint gathers from
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Inc() }

func (m *Metrics) DecrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Dec() }

// Redis Metrics Methods

// SetRedisDegraded mirrors the degraded-mode flag of the Redis client
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

// RecordRedisCommand counts a Redis command by outcome
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.redisCommandsTotal.WithLabelValues(command, status).Inc()
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// RecordRelayDropped counts a message with no reachable destination
func (m *Metrics) RecordRelayDropped(msgType string) {
	if m == nil {
		return
	}
	m.relayDroppedTotal.WithLabelValues(msgType).Inc()
}

// Call Metrics Methods

// RecordCallEnded records a terminated session and, when it connected, its duration
func (m *Metrics) RecordCallEnded(kind, outcome, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(kind, outcome, reason).Inc()
	if duration > 0 {
		m.callsDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// SetActiveSessions sets the number of sessions that have not ended
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(count))
}

// RecordNegotiationCompleted counts a peer negotiation reaching stable
func (m *Metrics) RecordNegotiationCompleted(initiator bool) {
	if m == nil {
		return
	}
	role := "answerer"
	if initiator {
		role = "initiator"
	}
	m.negotiationsCompleted.WithLabelValues(role).Inc()
}

// RecordEventRejected counts an event the state machine refused
func (m *Metrics) RecordEventRejected(eventType, code string) {
	if m == nil {
		return
	}
	m.sessionEventsRejected.WithLabelValues(eventType, code).Inc()
}

// RecordInviteDropped counts an expired group invite
func (m *Metrics) RecordInviteDropped() {
	if m == nil {
		return
	}
	m.groupInvitesDroppedTotal.Inc()
}

// Push Notification Metrics Methods

func (m *Metrics) RecordPushNotification(notifType string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(notifType).Inc()
}

func (m *Metrics) RecordPushNotificationFailure(notifType, reason string) {
	if m == nil {
		return
	}
	m.pushNotificationsFailed.WithLabelValues(notifType, reason).Inc()
}

// RecordCallLogWrite counts a call log insert by outcome
func (m *Metrics) RecordCallLogWrite(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.callLogWritesTotal.WithLabelValues(status).Inc()
}
