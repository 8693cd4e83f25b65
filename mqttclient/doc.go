// Package mqttclient provides the gateway's single connection to the cloud
// MQTT broker.
//
// # Overview
//
// One Client is shared by every device session and the egress pump: device
// sessions publish telemetry/machine-data frames and the roster, and
// subscribe to the ingress router's plan/heartbeat/leave topics through it.
//
//	client, err := mqttclient.NewClient("broker.example.com", 8883, "gateway-01",
//	    mqttclient.WithTLS(tlsCfg, mtlsCfg),
//	    mqttclient.WithMetrics(registry),
//	    mqttclient.WithHealthChangeCallback(func(healthy bool) {
//	        log.Printf("broker healthy: %v", healthy)
//	    }),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	client.AddHandler(router.Dispatch)
//	client.Subscribe(ctx, "twinsync/+/+/plan/+/+/+", 1)
//
// # Handler Dispatch
//
// AddHandler appends to a single chain shared across every subscribed
// filter — there is no per-topic callback. The underlying library's
// message route is hooked exactly once, on the first AddHandler call; every
// message after that is delivered to the full chain in registration order.
// A handler that panics or returns an error is logged and does not stop
// the rest of the chain from running.
//
// # Circuit Breaker and Reconnection
//
// Connection failures increment a failure counter; once it crosses a
// threshold the circuit opens and Connect calls fail fast with
// ErrCircuitOpen until a backoff timer tests the circuit again; Publish and
// Subscribe fail with ErrNotConnected whenever the status is not connected,
// including while the circuit is open.
// Backoff doubles on repeated failures and is capped, matching the 10s
// reconnect ceiling used for device transport faults. The underlying
// library's own auto-reconnect handles the socket-level retry; the circuit
// breaker governs whether the gateway treats the broker as usable.
//
// # Errors
//
// Errors during the very first Connect are returned to the caller.
// Connection loss after a successful connect surfaces through the
// health-change callback; Publish/Subscribe then return ErrNotConnected
// until the connection is back. A Publish/Subscribe round trip that fails
// while connected returns the broker error wrapped as a transient error.
package mqttclient
