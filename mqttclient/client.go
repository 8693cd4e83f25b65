// Package mqttclient wraps the Eclipse Paho MQTT client with a circuit
// breaker, reconnect/health monitoring, and a sequential handler-dispatch
// list, so device sessions and the egress pump share one connection to the
// cloud broker instead of each managing their own.
package mqttclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/twinsync/gateway/errors"
	"github.com/twinsync/gateway/pkg/security"
	"github.com/twinsync/gateway/pkg/tlsutil"
)

// Initial-dial backoff: a broker that's still coming up on gateway startup
// gets a few quick retries rather than failing the whole process on the
// first hiccup, but an unreachable host doesn't hang startup forever.
const (
	connectMaxAttempts  = 3
	connectInitialDelay = 100 * time.Millisecond
	connectMaxDelay     = 2 * time.Second
)

// ConnectionStatus represents the state of the broker connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced to callers of the facade's public operations.
var (
	ErrNotConnected      = stderrors.New("not connected to MQTT broker")
	ErrCircuitOpen       = stderrors.New("circuit breaker is open")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// MessageHandler is invoked for every message received on any subscribed
// filter. A returned error is logged and swallowed, never propagated to the
// caller's goroutine that delivered the message.
type MessageHandler func(topic string, payload []byte) error

// Status holds runtime status information for the client.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Client manages a single MQTT broker connection with circuit breaker
// protection, automatic reconnection, and a sequential handler chain.
type Client struct {
	host     string
	port     int
	clientID string

	mqttClient mqtt.Client
	opts       *mqtt.ClientOptions

	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   Logger

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	cleanSession  bool

	// Authentication
	username string
	password string

	// TLS
	tlsConfig *tlsConfigSpec

	// Handler chain — hooked into the library exactly once, on first AddHandler.
	handlersMu sync.RWMutex
	handlers   []MessageHandler
	hooked     bool

	// RTT probe — measured via a private loopback publish/subscribe rather
	// than a library-level PINGREQ/PINGRESP hook, which paho doesn't expose.
	rttTopic  string
	rttChMu   sync.Mutex
	rttWaiter chan time.Time

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	// Health monitoring
	healthTicker   *time.Ticker
	healthInterval time.Duration
	healthDone     chan struct{}

	// Metrics
	mqttMetrics     *mqttMetrics
	metricsCancel   context.CancelFunc
	metricsInterval time.Duration

	mu            sync.RWMutex
	closeMu       sync.Mutex
	closed        atomic.Bool
	everConnected atomic.Bool
}

type tlsConfigSpec struct {
	client security.ClientTLSConfig
	mtls   security.ClientMTLSConfig
}

// NewClient creates a new MQTT client for the broker at host:port, identified
// by clientID, with optional configuration.
func NewClient(host string, port int, clientID string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		host:             host,
		port:             port,
		clientID:         clientID,
		logger:           &defaultLogger{},
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       10 * time.Second,
		timeout:          5 * time.Second,
		cleanSession:     true,
		metricsInterval:  30 * time.Second,
		rttTopic:         fmt.Sprintf("$gateway/rtt/%s", clientID),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	tlsCfg, err := c.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	brokerURL := fmt.Sprintf("ssl://%s:%d", c.host, c.port)
	if tlsCfg == nil {
		brokerURL = fmt.Sprintf("tcp://%s:%d", c.host, c.port)
	}

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(c.clientID).
		SetCleanSession(c.cleanSession).
		SetKeepAlive(c.pingInterval).
		SetConnectTimeout(c.timeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(c.maxBackoff).
		SetConnectRetryInterval(c.reconnectWait).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleDisconnect).
		SetReconnectingHandler(c.handleReconnecting)

	if tlsCfg != nil {
		mqttOpts.SetTLSConfig(tlsCfg)
	}
	if c.username != "" {
		mqttOpts.SetUsername(c.username)
		mqttOpts.SetPassword(c.password)
	}

	c.opts = mqttOpts
	c.mqttClient = mqtt.NewClient(mqttOpts)

	c.logger.Debugf("Created MQTT client %s for %s", c.clientID, brokerURL)

	return c, nil
}

func (c *Client) buildTLSConfig() (*tls.Config, error) {
	if c.tlsConfig == nil {
		return nil, nil
	}

	if c.tlsConfig.mtls.Enabled {
		cfg, err := tlsutil.LoadClientTLSConfigWithMTLS(c.tlsConfig.client, c.tlsConfig.mtls)
		if err != nil {
			return nil, errors.WrapFatal(err, "Client", "buildTLSConfig", "load mTLS config")
		}
		return cfg, nil
	}

	cfg, err := tlsutil.LoadClientTLSConfig(c.tlsConfig.client)
	if err != nil {
		return nil, errors.WrapFatal(err, "Client", "buildTLSConfig", "load TLS config")
	}
	return cfg, nil
}

// ClientID returns the client identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.clientID
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsConnected returns true if the connection is established and healthy.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Failures returns the current failure count.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit-breaker backoff duration.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

func (c *Client) recordFailure() {
	totalFailures := c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)
	c.logger.Debugf("Recorded failure %d (circuit failures: %d)", totalFailures, circuitFailures)

	if circuitFailures < c.circuitThreshold {
		return
	}

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			currentBackoff := c.backoff.Load().(time.Duration)
			newBackoff := currentBackoff * 2
			if newBackoff > c.maxBackoff {
				newBackoff = c.maxBackoff
			}
			c.backoff.Store(newBackoff)

			c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuitFailures, currentBackoff)

			c.circuitFailures.Store(0)
			time.AfterFunc(currentBackoff, c.testCircuit)
		}
		return
	}

	currentBackoff := c.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > c.maxBackoff {
		newBackoff = c.maxBackoff
	}
	c.backoff.Store(newBackoff)
	c.circuitFailures.Store(0)
	c.logger.Printf("Circuit breaker still open, increased backoff to %v", newBackoff)
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) testCircuit() {
	c.logger.Debugf("Testing circuit breaker - attempting to close circuit")
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// Connect establishes the connection to the broker, retrying the initial
// dial up to connectMaxAttempts times with doubling backoff (a broker that
// is still coming up shouldn't fail the whole gateway's startup on the
// first hiccup). Errors after retries are exhausted are returned to the
// caller; faults after a successful connect surface only through the
// health-change callback and the paho client's own auto-reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to MQTT broker %s:%d as %s", c.host, c.port, c.clientID)

	if err := c.connectWithBackoff(ctx); err != nil {
		if stderrors.Is(err, ErrCircuitOpen) {
			return ErrCircuitOpen
		}
		return err
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to MQTT broker %s:%d", c.host, c.port)

	if err := c.subscribeRTTLoopback(); err != nil {
		c.logger.Errorf("RTT loopback subscribe failed: %v", err)
	}

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}

	if c.mqttMetrics != nil && c.metricsInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.metricsCancel = cancel
		c.mqttMetrics.startPoller(ctx, c, c.metricsInterval)
	}

	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}

	return nil
}

// connectWithBackoff retries dialOnce up to connectMaxAttempts times,
// doubling the delay each time with up to 25% jitter. A circuit-open or
// context-cancelled outcome stops retrying immediately, since neither is
// fixed by waiting longer.
func (c *Client) connectWithBackoff(ctx context.Context) error {
	delay := connectInitialDelay
	var lastErr error

	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		err := c.dialOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if stderrors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return err
		}
		if attempt == connectMaxAttempts {
			break
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/4+1))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("connect cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
	}

	return fmt.Errorf("connect to broker: %d attempts failed: %w", connectMaxAttempts, lastErr)
}

// dialOnce makes a single connection attempt.
func (c *Client) dialOnce(ctx context.Context) error {
	connectDone := make(chan error, 1)
	go func() {
		token := c.mqttClient.Connect()
		token.Wait()
		connectDone <- token.Error()
	}()

	select {
	case err := <-connectDone:
		if err == nil {
			return nil
		}
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
}

// Close disconnects from the broker, clearing all held state exactly once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.stopHealthMonitoring()

	if c.metricsCancel != nil {
		c.metricsCancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	quiesce := uint(c.timeout.Milliseconds())
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			quiesce = uint(remaining.Milliseconds())
		}
	}

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(quiesce)
	}

	c.username = ""
	c.password = ""

	c.setStatus(StatusDisconnected)
	return nil
}

// RTT measures the round-trip time to the broker now, via a loopback
// publish on the client's private RTT topic, waiting up to 5 seconds.
func (c *Client) RTT() (time.Duration, error) {
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}
	return c.measureRTT(5 * time.Second)
}

func (c *Client) subscribeRTTLoopback() error {
	token := c.mqttClient.Subscribe(c.rttTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.rttChMu.Lock()
		ch := c.rttWaiter
		c.rttChMu.Unlock()
		if ch == nil {
			return
		}
		var sentAt int64
		if _, err := fmt.Sscanf(string(msg.Payload()), "%d", &sentAt); err == nil {
			select {
			case ch <- time.Unix(0, sentAt):
			default:
			}
		}
	})
	token.Wait()
	return token.Error()
}

func (c *Client) measureRTT(timeout time.Duration) (time.Duration, error) {
	ch := make(chan time.Time, 1)
	c.rttChMu.Lock()
	c.rttWaiter = ch
	c.rttChMu.Unlock()
	defer func() {
		c.rttChMu.Lock()
		c.rttWaiter = nil
		c.rttChMu.Unlock()
	}()

	sentAt := time.Now()
	token := c.mqttClient.Publish(c.rttTopic, 0, false, fmt.Sprintf("%d", sentAt.UnixNano()))
	token.Wait()
	if err := token.Error(); err != nil {
		return 0, err
	}

	select {
	case <-ch:
		return time.Since(sentAt), nil
	case <-time.After(timeout):
		return 0, ErrConnectionTimeout
	}
}

// Subscribe subscribes to a topic filter at the given QoS. Delivered
// messages fan out through the handler chain registered via AddHandler,
// not a per-subscription callback.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Subscribe(filter, qos, nil)
	return c.waitToken(ctx, token, "Subscribe")
}

// Publish publishes a message to topic at the given QoS and retain flag.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Publish(topic, qos, retain, payload)
	return c.waitToken(ctx, token, "Publish")
}

func (c *Client) waitToken(ctx context.Context, token mqtt.Token, op string) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			c.recordFailure()
			return errors.WrapTransient(err, "Client", op, "broker round trip")
		}
		c.resetCircuit()
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Client", op, "cancelled")
	}
}

// AddHandler appends a handler to the dispatch chain. The underlying
// library's default publish route is hooked exactly once, on the first
// call; subsequent calls only extend the chain.
func (c *Client) AddHandler(fn MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers = append(c.handlers, fn)
	if !c.hooked {
		c.mqttClient.AddRoute("#", c.dispatch)
		c.hooked = true
	}
}

// dispatch snapshots the handler list and runs each handler sequentially;
// a handler that panics or returns an error is logged and does not stop
// the chain.
func (c *Client) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.handlersMu.RLock()
	handlers := make([]MessageHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	topic := msg.Topic()
	payload := msg.Payload()

	for _, h := range handlers {
		c.safeDispatch(h, topic, payload)
	}
}

func (c *Client) safeDispatch(h MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("handler panic on topic %s: %v", topic, r)
		}
	}()

	if err := h(topic, payload); err != nil {
		c.logger.Errorf("handler error on topic %s: %v", topic, err)
	}
}

// OnHealthChange sets a callback for health status changes.
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

func (c *Client) handleConnect(_ mqtt.Client) {
	wasEverConnected := c.everConnected.Swap(true)
	if wasEverConnected && c.mqttMetrics != nil {
		c.mqttMetrics.recordReconnect()
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()

	c.mu.RLock()
	onReconnect := c.onReconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleDisconnect(_ mqtt.Client, err error) {
	c.setStatus(StatusReconnecting)

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	c.setStatus(StatusReconnecting)
	c.logger.Debugf("Reconnecting to MQTT broker %s:%d", c.host, c.port)
}

func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	c.healthTicker = time.NewTicker(c.healthInterval)
	c.healthDone = make(chan struct{})
	ticker := c.healthTicker
	done := c.healthDone
	c.mu.Unlock()

	go func() {
		defer ticker.Stop()
		lastHealthy := c.IsConnected()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !c.mqttClient.IsConnected() {
					continue
				}

				healthy := c.mqttClient.IsConnected()

				if healthy && c.Status() != StatusConnected {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}

				if healthy != lastHealthy && c.onHealthChange != nil {
					c.onHealthChange(healthy)
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthTicker != nil {
		c.healthTicker.Stop()
		c.healthTicker = nil
	}
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
