package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/twinsync/gateway/config"
	"github.com/twinsync/gateway/egress"
	"github.com/twinsync/gateway/health"
	"github.com/twinsync/gateway/ingress"
	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
	"github.com/twinsync/gateway/mqttclient"
	"github.com/twinsync/gateway/pkg/security"
	"github.com/twinsync/gateway/registry"
	"github.com/twinsync/gateway/session/plc"
	"github.com/twinsync/gateway/session/robot"
	"github.com/twinsync/gateway/transport/plcsim"
	"github.com/twinsync/gateway/transport/robotsim"
)

// deviceSession is the lifecycle + registry.PlanTarget surface both
// robot.Session and plc.Session satisfy; wiring only needs this much.
type deviceSession interface {
	registry.PlanTarget
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Gateway owns every long-lived component wired together at startup:
// the MQTT facade, the device sessions, the ingress router, and the
// egress pump/roster.
type Gateway struct {
	logger *slog.Logger

	mqttClient      *mqttclient.Client
	registry        *registry.Registry
	pump            *egress.Pump
	roster          *egress.Roster
	router          *ingress.Router
	health          *health.Monitor
	metricsRegistry *metric.MetricsRegistry
	metricsServer   *metric.Server

	sessions    []deviceSession
	subscribeAt string
}

// buildGateway wires every component from cfg, without starting any
// network I/O — that happens in Gateway.Start.
func buildGateway(cfg *config.Config, logger *slog.Logger, forceSimulate bool) (*Gateway, error) {
	metricsRegistry := metric.NewMetricsRegistry()

	mqttClient, err := buildMQTTClient(cfg, metricsRegistry)
	if err != nil {
		return nil, fmt.Errorf("build mqtt client: %w", err)
	}

	reg := registry.New()
	pumpOpts := []egress.Option{
		egress.WithPublishPeriod(cfg.MQTT.PublishPeriod),
		egress.WithLogger(logger.With("component", "egress_pump")),
		egress.WithMetrics(metricsRegistry),
	}
	if cfg.MQTT.PublishRateLimit > 0 {
		pumpOpts = append(pumpOpts, egress.WithPublishRateLimit(cfg.MQTT.PublishRateLimit, cfg.MQTT.PublishRateBurst))
	}
	monitor := health.NewMonitor()
	pumpOpts = append(pumpOpts, egress.WithHealthMonitor(monitor))
	pump := egress.NewPump(mqttClient, pumpOpts...)
	roster := egress.NewRoster(mqttClient)

	gw := &Gateway{
		logger:          logger,
		mqttClient:      mqttClient,
		registry:        reg,
		pump:            pump,
		roster:          roster,
		health:          monitor,
		metricsRegistry: metricsRegistry,
		subscribeAt:     fmt.Sprintf("twinsync/%s/%s/+/+/+/+", cfg.Platform.TenantID, cfg.Platform.GatewayID),
	}

	for _, dc := range cfg.Devices {
		sess, err := gw.buildDeviceSession(cfg.Platform, dc, forceSimulate)
		if err != nil {
			return nil, err
		}
		reg.Register(sess)
		roster.Register(context.Background(), egress.DeviceInfo{
			Key:            sess.Key(),
			DisplayName:    dc.DisplayName,
			ConnectionType: connectionType(dc, forceSimulate),
		})
		gw.sessions = append(gw.sessions, sess)
	}

	routerOpts := []ingress.Option{
		ingress.WithLogger(logger.With("component", "ingress_router")),
		ingress.WithMetrics(metricsRegistry),
	}
	if cfg.MQTT.HandlerRateLimit > 0 {
		routerOpts = append(routerOpts, ingress.WithHandlerRateLimit(cfg.MQTT.HandlerRateLimit, cfg.MQTT.HandlerRateBurst))
	}
	gw.router = ingress.New(reg, routerOpts...)
	mqttClient.AddHandler(gw.router.Handle)

	return gw, nil
}

func connectionType(dc config.DeviceConfig, forceSimulate bool) string {
	if dc.Simulate || forceSimulate {
		return dc.Kind + "-sim"
	}
	return dc.Kind + "-native"
}

func buildMQTTClient(cfg *config.Config, metricsRegistry *metric.MetricsRegistry) (*mqttclient.Client, error) {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		// Suffix with a fresh UUID so a restarted process never collides
		// with a still-registered session under the same tenant/gateway.
		clientID = fmt.Sprintf("%s-%s-%s", cfg.Platform.TenantID, cfg.Platform.GatewayID, uuid.New().String()[:8])
	}

	opts := []mqttclient.ClientOption{
		mqttclient.WithMetrics(metricsRegistry),
	}
	if cfg.MQTT.ReconnectWait > 0 {
		opts = append(opts, mqttclient.WithReconnectWait(cfg.MQTT.ReconnectWait))
	}
	if cfg.MQTT.Username != "" {
		opts = append(opts, mqttclient.WithCredentials(cfg.MQTT.Username, cfg.MQTT.Password))
	}
	opts = append(opts, mqttclient.WithTLS(cfg.Security.TLS.Client, cfg.Security.TLS.Client.MTLS))

	return mqttclient.NewClient(cfg.MQTT.Host, cfg.MQTT.Port, clientID, opts...)
}

func (gw *Gateway) buildDeviceSession(platform config.PlatformConfig, dc config.DeviceConfig, forceSimulate bool) (deviceSession, error) {
	key := model.DeviceKey{
		TenantID:   platform.TenantID,
		GatewayID:  platform.GatewayID,
		DeviceType: dc.DeviceType,
		DeviceID:   dc.DeviceID,
	}
	simulate := dc.Simulate || forceSimulate

	switch dc.Kind {
	case "robot":
		return gw.buildRobotSession(key, simulate)
	case "plc":
		return gw.buildPlcSession(key, simulate)
	default:
		return nil, fmt.Errorf("device %s: unsupported kind %q", dc.DeviceID, dc.Kind)
	}
}

func (gw *Gateway) buildRobotSession(key model.DeviceKey, simulate bool) (deviceSession, error) {
	if !simulate {
		return nil, fmt.Errorf("device %s: no native robot transport is wired; set simulate=true", key.DeviceID)
	}
	tr := robotsim.NewTransport()

	return robot.New(key, tr,
		robot.WithLogger(gw.logger.With("component", "robot_session", "device", key.String())),
		robot.WithFrameReceived(func(key model.DeviceKey, frame model.TelemetryFrame) { gw.onFrame(key, frame) }),
		robot.WithPublishAllowedChanged(gw.onPublishAllowedChanged),
		robot.WithStatusChanged(gw.onStatusChanged),
		robot.WithMetrics(gw.metricsRegistry),
	), nil
}

func (gw *Gateway) buildPlcSession(key model.DeviceKey, simulate bool) (deviceSession, error) {
	if !simulate {
		return nil, fmt.Errorf("device %s: no native plc transport is wired; set simulate=true", key.DeviceID)
	}
	tr := plcsim.NewTransport()

	return plc.New(key, tr,
		plc.WithLogger(gw.logger.With("component", "plc_session", "device", key.String())),
		plc.WithFrameReceived(func(key model.DeviceKey, frame model.PlcFrame) { gw.onFrame(key, frame) }),
		plc.WithPublishAllowedChanged(gw.onPublishAllowedChanged),
		plc.WithStatusChanged(gw.onStatusChanged),
		plc.WithMetrics(gw.metricsRegistry),
	), nil
}

// onFrame fans every emitted frame into the egress pump's cache and
// refreshes the roster's last-seen-data timestamp for that device.
func (gw *Gateway) onFrame(key model.DeviceKey, frame model.Frame) {
	gw.pump.Enqueue(key, frame)
	gw.roster.RecordFrame(key, time.UnixMilli(frame.Timestamp()))
}

// onPublishAllowedChanged is the single path through which the pump's
// invariant I2 ("disable drops the cached frame") is driven — demand
// dropping to zero always flows through this gate, never through a
// direct pump call from session code.
func (gw *Gateway) onPublishAllowedChanged(key model.DeviceKey, allowed bool) {
	gw.pump.SetPublishAllowed(key, allowed)
}

func (gw *Gateway) onStatusChanged(key model.DeviceKey, status model.DeviceStatus, err error) {
	ctx := context.Background()
	gw.roster.UpdateStatus(ctx, key, status)

	msg := status.String()
	if err != nil {
		msg = err.Error()
	}

	switch status {
	case model.Streaming, model.Connected:
		gw.health.UpdateDeviceStatus(key.String(), "healthy", msg)
	case model.Connecting:
		gw.health.UpdateDeviceStatus(key.String(), "degraded", msg)
	case model.Faulted:
		gw.health.UpdateDeviceStatus(key.String(), "unhealthy", msg)
	case model.Disconnected:
		gw.health.UpdateDeviceStatus(key.String(), "unhealthy", "disconnected")
	}
}

// Start connects the MQTT client, subscribes to this gateway's ingress
// filter, starts the egress pump and metrics server, and starts every
// device session. A session that fails its first connect is logged, not
// fatal; it stays Faulted and is not retried, since its reconnect
// supervisor starts only after a successful first connect.
func (gw *Gateway) Start(ctx context.Context, security security.Config, metricsPort int) error {
	if err := gw.mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}
	if err := gw.mqttClient.Subscribe(ctx, gw.subscribeAt, 1); err != nil {
		return fmt.Errorf("subscribe to %s: %w", gw.subscribeAt, err)
	}

	if err := gw.pump.Start(ctx); err != nil {
		return fmt.Errorf("start egress pump: %w", err)
	}

	if metricsPort > 0 {
		gw.metricsServer = metric.NewServer(metricsPort, "/metrics", gw.metricsRegistry, security, gw.health)
		go func() {
			if err := gw.metricsServer.Start(); err != nil {
				gw.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	// Start every session concurrently — a plain errgroup, not
	// WithContext, since one device's startup failure must never cancel
	// the others' connection attempts.
	var g errgroup.Group
	for _, sess := range gw.sessions {
		sess := sess
		g.Go(func() error {
			if err := sess.Start(ctx); err != nil {
				gw.logger.Error("device session failed to start", "device", sess.Key().String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	gw.logger.Info("gateway started", "devices", len(gw.sessions), "subscribed", gw.subscribeAt)
	return nil
}

// Stop tears every device session down concurrently, each bounded by
// timeout, then stops the shared pump/metrics/mqtt infrastructure that
// every session depended on.
func (gw *Gateway) Stop(ctx context.Context, timeout time.Duration) {
	var g errgroup.Group
	for _, sess := range gw.sessions {
		sess := sess
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := sess.Stop(stopCtx); err != nil {
				gw.logger.Warn("device session failed to stop cleanly", "device", sess.Key().String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := gw.pump.Stop(timeout); err != nil {
		gw.logger.Warn("egress pump failed to stop cleanly", "error", err)
	}

	if gw.metricsServer != nil {
		if err := gw.metricsServer.Stop(); err != nil {
			gw.logger.Warn("metrics server failed to stop cleanly", "error", err)
		}
	}

	if err := gw.mqttClient.Close(ctx); err != nil {
		gw.logger.Warn("mqtt client failed to close cleanly", "error", err)
	}
}
