package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge this gateway's own components emit,
// plus the MQTT broker connection metrics recorded by mqttclient.
type Metrics struct {
	// Device sessions (session/plc, session/robot)
	FramesRead     *prometheus.CounterVec
	PlanApplies    *prometheus.CounterVec
	PublishAllowed *prometheus.GaugeVec

	// Egress pump
	MessagesPublished *prometheus.CounterVec
	PumpDrops         prometheus.Counter

	// Ingress router
	HandlerErrors *prometheus.CounterVec

	// MQTT broker connection metrics
	MQTTConnected      prometheus.Gauge
	MQTTRTT            prometheus.Gauge
	MQTTReconnects     prometheus.Counter
	MQTTCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all gateway metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FramesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "session",
				Name:      "frames_read_total",
				Help:      "Total number of device frames read by a session's poll/stream loop",
			},
			[]string{"device"},
		),

		PlanApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "session",
				Name:      "plan_applies_total",
				Help:      "Total number of telemetry/machine-data plans applied to a session",
			},
			[]string{"device"},
		),

		PublishAllowed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "session",
				Name:      "publish_allowed",
				Help:      "Whether a session's egress gate is currently open (0=closed, 1=open)",
			},
			[]string{"device"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "pump",
				Name:      "messages_published_total",
				Help:      "Total number of MQTT data messages published by the egress pump",
			},
			[]string{"device"},
		),

		PumpDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "pump",
				Name:      "drops_total",
				Help:      "Total number of publishes dropped because the egress pump's fan-out queue was full",
			},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "router",
				Name:      "handler_errors_total",
				Help:      "Total number of ingress messages dropped by the router before reaching a session",
			},
			[]string{"reason"},
		),

		// MQTT broker connection metrics
		MQTTConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "mqtt",
				Name:      "connected",
				Help:      "MQTT broker connection status (0=disconnected, 1=connected)",
			},
		),

		MQTTRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "mqtt",
				Name:      "rtt_milliseconds",
				Help:      "MQTT broker round-trip time in milliseconds",
			},
		),

		MQTTReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "mqtt",
				Name:      "reconnects_total",
				Help:      "Total number of MQTT broker reconnections",
			},
		),

		MQTTCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "mqtt",
				Name:      "circuit_breaker",
				Help:      "MQTT circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordFrameRead increments device's frame-read counter.
func (c *Metrics) RecordFrameRead(device string) {
	c.FramesRead.WithLabelValues(device).Inc()
}

// RecordPlanApply increments device's plan-apply counter.
func (c *Metrics) RecordPlanApply(device string) {
	c.PlanApplies.WithLabelValues(device).Inc()
}

// RecordPublishAllowed sets device's publish-allowed gauge.
func (c *Metrics) RecordPublishAllowed(device string, allowed bool) {
	value := 0.0
	if allowed {
		value = 1.0
	}
	c.PublishAllowed.WithLabelValues(device).Set(value)
}

// RecordMessagePublished increments device's published-message counter.
func (c *Metrics) RecordMessagePublished(device string) {
	c.MessagesPublished.WithLabelValues(device).Inc()
}

// RecordPumpDrop increments the egress pump's fan-out drop counter.
func (c *Metrics) RecordPumpDrop() {
	c.PumpDrops.Inc()
}

// RecordHandlerError increments the router's dropped-message counter for reason.
func (c *Metrics) RecordHandlerError(reason string) {
	c.HandlerErrors.WithLabelValues(reason).Inc()
}

// RecordMQTTStatus updates MQTT broker connection status
func (c *Metrics) RecordMQTTStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.MQTTConnected.Set(value)
}

// RecordMQTTRTT updates MQTT broker round-trip time
func (c *Metrics) RecordMQTTRTT(rtt time.Duration) {
	c.MQTTRTT.Set(float64(rtt.Milliseconds()))
}

// RecordMQTTReconnect increments reconnection counter
func (c *Metrics) RecordMQTTReconnect() {
	c.MQTTReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.MQTTCircuitBreaker.Set(float64(state))
}
