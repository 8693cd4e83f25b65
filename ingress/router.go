// Package ingress implements the single MQTT subscriber that parses
// twinsync/{tenant}/{gateway}/{plan,hb,leave}/{type}/{device}/{user}
// topics and routes them to the registered device session for that key.
package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
	"github.com/twinsync/gateway/registry"
)

const (
	defaultHandlerRate  = 50 // messages/sec per device key
	defaultHandlerBurst = 20
)

// periodSetter is implemented by sessions that honor a plan envelope's
// periodMs override. Checked via type assertion so the registry.PlanTarget
// surface stays minimal.
type periodSetter interface {
	SetPeriod(time.Duration)
}

// Router parses ingress topics and dispatches to the resolved
// registry.PlanTarget. Its only mutable state is the per-device-key rate
// limiter map, guarded by limitersMu; the target lookup it calls must be
// concurrency-safe, which registry.Registry is.
type Router struct {
	resolve func(model.DeviceKey) (registry.PlanTarget, bool)
	logger  *slog.Logger

	limitersMu   sync.Mutex
	limiters     map[model.DeviceKey]*rate.Limiter
	handlerRate  float64
	handlerBurst int

	metrics *metric.Metrics // nil means no metrics recording
}

// New constructs a Router over the given registry.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{
		resolve:      reg.Resolve,
		logger:       slog.Default().With("component", "ingress_router"),
		limiters:     make(map[model.DeviceKey]*rate.Limiter),
		handlerRate:  defaultHandlerRate,
		handlerBurst: defaultHandlerBurst,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHandlerRateLimit overrides the per-device-key rate at which plan/hb/leave
// traffic is dispatched to a session, guarding against a single runaway
// publisher monopolizing a session's plan-apply path.
func WithHandlerRateLimit(eventsPerSecond float64, burst int) Option {
	return func(r *Router) {
		if eventsPerSecond > 0 {
			r.handlerRate = eventsPerSecond
			r.handlerBurst = burst
		}
	}
}

// WithMetrics makes the router record a handler-errors counter against
// registry's core metrics for every ingress message it drops.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Router) {
		if registry != nil {
			r.metrics = registry.CoreMetrics()
		}
	}
}

// Handle is the mqttclient.MessageHandler this router registers. It never
// returns an error for malformed input — unparseable topics and envelopes
// are logged and dropped, per the propagation policy for malformed ingress.
func (r *Router) Handle(topic string, payload []byte) error {
	parsed, ok := parseTopic(topic)
	if !ok {
		r.logger.Debug("dropping unparseable ingress topic", "topic", topic)
		r.recordHandlerError("unparseable_topic")
		return nil
	}

	key := model.DeviceKey{
		TenantID:   parsed.tenantID,
		GatewayID:  parsed.gatewayID,
		DeviceType: parsed.deviceType,
		DeviceID:   parsed.deviceID,
	}

	target, ok := r.resolve(key)
	if !ok {
		r.logger.Debug("no session registered for device key", "key", key.String())
		r.recordHandlerError("unknown_device")
		return nil
	}

	if !r.limiterFor(key).Allow() {
		r.logger.Warn("dropping ingress message, per-device rate limit exceeded", "key", key.String())
		r.recordHandlerError("rate_limited")
		return nil
	}

	ctx := context.Background()

	switch parsed.verb {
	case verbHB:
		target.TouchUser(parsed.user)
	case verbLeave:
		target.RemoveUser(ctx, parsed.user)
	case verbPlan:
		r.applyPlan(ctx, target, parsed.user, payload)
	}
	return nil
}

// limiterFor returns the per-device-key rate limiter, creating it on first
// use. One limiter per key keeps a single noisy device from starving the
// dispatch budget of every other device sharing the router.
func (r *Router) limiterFor(key model.DeviceKey) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()

	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.handlerRate), r.handlerBurst)
		r.limiters[key] = lim
	}
	return lim
}

func (r *Router) applyPlan(ctx context.Context, target registry.PlanTarget, user string, payload []byte) {
	env, err := parsePlanEnvelope(payload)
	if err != nil {
		r.logger.Warn("dropping malformed plan envelope", "error", err)
		r.recordHandlerError("malformed_envelope")
		return
	}

	switch env.Kind {
	case kindTelemetry:
		target.ApplyTelemetryPlan(ctx, user, env.telemetryPlan())
	case kindMachineData:
		target.ApplyMachineDataPlan(ctx, user, env.machineDataPlan())
	default:
		r.logger.Warn("dropping plan envelope with unknown kind", "kind", env.Kind)
		r.recordHandlerError("unknown_kind")
		return
	}

	if env.PeriodMs != nil {
		if ps, ok := target.(periodSetter); ok {
			ps.SetPeriod(time.Duration(*env.PeriodMs) * time.Millisecond)
		}
	}
}

func (r *Router) recordHandlerError(reason string) {
	if r.metrics != nil {
		r.metrics.RecordHandlerError(reason)
	}
}
