// Package metric provides Prometheus-based metrics collection and an HTTP
// server for gateway observability.
//
// A MetricsRegistry wraps a dedicated prometheus.Registry: the core counters
// every gateway component emits (frames read, plan applies, publish-allowed
// transitions, pump drops, handler errors, MQTT broker health) are
// registered automatically, and components register their own
// counters/gauges/histograms through the Register* family, which rejects
// duplicate service/name pairs before they reach Prometheus.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, securityCfg, healthMonitor)
//	go server.Start()
//
//	core := registry.CoreMetrics()
//	core.RecordFrameRead("PLC1")
//	core.RecordMQTTStatus(true)
//
// All metrics use the "gateway" namespace, e.g. gateway_session_frames_read_total,
// gateway_pump_drops_total, gateway_mqtt_connected. The server exposes them
// at /metrics in OpenMetrics-compatible format. /health reports the supplied
// health.Monitor's aggregated per-device status as JSON, returning 503 when
// any device is unhealthy. Optional TLS comes from security.Config.
package metric
