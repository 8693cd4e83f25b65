package mqttclient

import (
	"log"
	"time"

	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/pkg/security"
)

// Logger interface for injecting custom loggers.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[MQTT] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[MQTT ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client) error

// WithReconnectWait sets the initial wait between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the MQTT keep-alive interval.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithHealthInterval sets the interval for health monitoring.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithLogger sets a custom logger for the client.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithDisconnectCallback sets a callback for disconnection events.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback sets a callback for reconnection events.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback sets a callback for health status changes.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithCircuitBreakerThreshold sets the number of failures before the
// circuit opens.
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker's exponential backoff, matching
// the transport reconnect ceiling described for device sessions.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = 10 * time.Second
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials sets username/password authentication for the broker
// connection, used alongside or instead of client-certificate auth.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithTLS enables TLS 1.2 with optional client-certificate (mTLS)
// authentication against the broker.
func WithTLS(clientCfg security.ClientTLSConfig, mtlsCfg security.ClientMTLSConfig) ClientOption {
	return func(c *Client) error {
		c.tlsConfig = &tlsConfigSpec{client: clientCfg, mtls: mtlsCfg}
		return nil
	}
}

// WithTimeout sets the connect/publish/subscribe timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithCleanSession controls whether the broker discards session state on
// disconnect. Defaults to true.
func WithCleanSession(clean bool) ClientOption {
	return func(c *Client) error {
		c.cleanSession = clean
		return nil
	}
}

// WithMetrics enables periodic MQTT health metrics collection against the
// provided registry's core metrics (connection status, RTT, reconnects,
// circuit breaker state).
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		c.mqttMetrics = newMQTTMetrics(registry)
		return nil
	}
}
