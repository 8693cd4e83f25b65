package mqttclient

import (
	"context"
	"time"

	"github.com/twinsync/gateway/metric"
)

// mqttMetrics periodically records broker health into the core metrics:
// connection status, measured RTT, reconnection count, and circuit breaker
// state.
type mqttMetrics struct {
	core       *metric.Metrics
	reconnects int32
}

func newMQTTMetrics(registry *metric.MetricsRegistry) *mqttMetrics {
	return &mqttMetrics{core: registry.CoreMetrics()}
}

// startPoller launches a goroutine that samples client health every
// interval until ctx is cancelled.
func (m *mqttMetrics) startPoller(ctx context.Context, c *Client, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(c)
			}
		}
	}()
}

func (m *mqttMetrics) sample(c *Client) {
	connected := c.IsConnected()
	m.core.RecordMQTTStatus(connected)
	breaker := 0
	if c.Status() == StatusCircuitOpen {
		breaker = 1
	}
	m.core.RecordCircuitBreakerState(breaker)

	if connected {
		if rtt, err := c.measureRTT(2 * time.Second); err == nil {
			m.core.RecordMQTTRTT(rtt)
		}
	}
}

func (m *mqttMetrics) recordReconnect() {
	m.reconnects++
	m.core.RecordMQTTReconnect()
}
