// Package health provides thread-safe health status tracking and aggregation
// for device sessions, the MQTT facade, and the egress pump.
//
// # Health States
//
// Three states: healthy, degraded, unhealthy. A device session reports
// unhealthy while Faulted or Disconnected, degraded while Connecting, and
// healthy while Connected or Streaming.
//
// # Usage
//
//	monitor := health.NewMonitor()
//	monitor.UpdateDeviceStatus("robot:line1", "healthy", "streaming")
//	monitor.UpdateDeviceStatus("plc:press3", "unhealthy", "read timeout")
//
//	systemHealth := monitor.AggregateHealth("gateway")
//	if systemHealth.IsUnhealthy() {
//	    // one or more devices are down; gateway itself keeps running
//	}
//
// Aggregation is conservative: any unhealthy sub-status makes the aggregate
// unhealthy; otherwise any degraded sub-status makes it degraded.
//
// # Sanitization
//
// NewFromDeviceStatus and FromDeviceHealth both strip URLs, file paths, IP
// addresses, ports and credential-shaped substrings from error messages
// before they are attached to a Status, since Status is served verbatim
// over the gateway's health HTTP endpoint.
package health
