// Package plc implements the machine-data device session: it layers the
// PLC-side plan contract and a batch tag-read polling loop on top of the
// generic device-session supervisor.
package plc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	gwerrors "github.com/twinsync/gateway/errors"
	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
	"github.com/twinsync/gateway/session"
	"github.com/twinsync/gateway/transport"
)

const (
	defaultPeriod  = 200 * time.Millisecond
	minReadTimeout = 200 * time.Millisecond
	idleSleep      = 50 * time.Millisecond
	leaseTimeout   = 60 * time.Second
	reapInterval   = 5 * time.Second
)

// Session is a PLC device's supervised session: it owns the union of
// every subscribed user's MachineDataPlan and polls the device's tag
// space while demand is nonzero.
type Session struct {
	key       model.DeviceKey
	transport transport.PlcTransport
	base      *session.Base[model.PlcFrame]
	logger    *slog.Logger

	plansMu sync.Mutex
	plans   map[string]model.UserPlanState[model.MachineDataPlan]

	periodMu  sync.Mutex
	period    time.Duration
	timeoutMs time.Duration

	seq atomic.Int64

	sessionID  string
	reapCancel context.CancelFunc
	reapGroup  *errgroup.Group

	frameHook   func(model.DeviceKey, model.PlcFrame)
	publishHook func(model.DeviceKey, bool)
	statusHook  func(model.DeviceKey, model.DeviceStatus, error)

	metrics *metric.Metrics // nil means no metrics recording
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithFrameReceived registers a callback invoked for every emitted frame.
func WithFrameReceived(fn func(model.DeviceKey, model.PlcFrame)) Option {
	return func(s *Session) { s.frameHook = fn }
}

// WithPublishAllowedChanged registers a callback invoked on the
// publish-allowed gate's edges.
func WithPublishAllowedChanged(fn func(model.DeviceKey, bool)) Option {
	return func(s *Session) { s.publishHook = fn }
}

// WithStatusChanged registers a callback invoked on every status transition.
func WithStatusChanged(fn func(model.DeviceKey, model.DeviceStatus, error)) Option {
	return func(s *Session) { s.statusHook = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout overrides the per-read timeout (default 200ms); values below
// 200ms are raised to 200ms at read time.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeoutMs = d }
}

// WithMetrics makes the session record frame-read/plan-apply/publish-allowed
// counters against registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Session) {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
	}
}

type hooksAdapter struct{ s *Session }

func (h hooksAdapter) OnConnect(ctx context.Context) error    { return h.s.onConnect(ctx) }
func (h hooksAdapter) OnDisconnect(ctx context.Context) error { return h.s.onDisconnect(ctx) }
func (h hooksAdapter) ReadFrame(ctx context.Context) (model.PlcFrame, error) {
	return h.s.readFrame(ctx)
}

// New constructs a PLC device session over the given transport.
func New(key model.DeviceKey, t transport.PlcTransport, opts ...Option) *Session {
	s := &Session{
		key:       key,
		transport: t,
		plans:     make(map[string]model.UserPlanState[model.MachineDataPlan]),
		period:    defaultPeriod,
		timeoutMs: minReadTimeout,
		sessionID: uuid.New().String(),
		logger:    slog.Default().With("component", "plc_session", "device", key.String()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.sessionID)

	s.base = session.New[model.PlcFrame](key, hooksAdapter{s: s},
		session.WithFrameReceived[model.PlcFrame](s.emitFrame),
		session.WithPublishAllowedChanged[model.PlcFrame](s.emitPublishAllowed),
		session.WithStatusChanged[model.PlcFrame](s.emitStatus),
	)
	return s
}

func (s *Session) emitFrame(key model.DeviceKey, f model.PlcFrame) {
	if s.metrics != nil {
		s.metrics.RecordFrameRead(key.DeviceID)
	}
	if s.frameHook != nil {
		s.frameHook(key, f)
	}
}

func (s *Session) emitPublishAllowed(key model.DeviceKey, allowed bool) {
	if s.metrics != nil {
		s.metrics.RecordPublishAllowed(key.DeviceID, allowed)
	}
	if s.publishHook != nil {
		s.publishHook(key, allowed)
	}
}

func (s *Session) emitStatus(key model.DeviceKey, status model.DeviceStatus, err error) {
	if s.statusHook != nil {
		s.statusHook(key, status, err)
	}
}

// Key returns the device key this session supervises.
func (s *Session) Key() model.DeviceKey { return s.key }

// Status returns the current lifecycle status.
func (s *Session) Status() model.DeviceStatus { return s.base.Status() }

// PublishAllowed reports whether the egress gate is open.
func (s *Session) PublishAllowed() bool { return s.base.PublishAllowed() }

// Start connects the session and launches the lease reaper. The reaper
// runs under its own errgroup so Stop can await its exit the same way it
// awaits the base session's run-loop.
func (s *Session) Start(ctx context.Context) error {
	if err := s.base.Start(ctx); err != nil {
		return err
	}

	reapCtx, cancel := context.WithCancel(ctx)
	s.reapCancel = cancel
	s.reapGroup = &errgroup.Group{}
	s.reapGroup.Go(func() error {
		s.reapLoop(reapCtx)
		return nil
	})
	return nil
}

// Stop tears the session and reaper down.
func (s *Session) Stop(ctx context.Context) error {
	if s.reapCancel != nil {
		s.reapCancel()
	}
	if s.reapGroup != nil {
		_ = s.reapGroup.Wait()
	}
	return s.base.Stop(ctx)
}

// ApplyMachineDataPlan records or refreshes user's machine-data plan and
// recomputes demand gating. The union itself is recomputed lazily on each
// poll tick.
func (s *Session) ApplyMachineDataPlan(_ context.Context, user string, plan model.MachineDataPlan) {
	s.plansMu.Lock()
	s.plans[user] = model.UserPlanState[model.MachineDataPlan]{Plan: plan, LastSeenUTC: time.Now()}
	s.plansMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPlanApply(s.key.DeviceID)
	}
	s.recomputeDemand()
}

// ApplyTelemetryPlan is a no-op: a PLC session only supports machine-data
// plans, so a telemetry plan delivered to it is dropped.
func (s *Session) ApplyTelemetryPlan(_ context.Context, _ string, _ model.TelemetryPlan) {}

// SetPeriod overrides the poll period from a plan envelope's periodMs,
// clamped to a floor of 50ms.
func (s *Session) SetPeriod(d time.Duration) {
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	s.periodMu.Lock()
	s.period = d
	s.periodMu.Unlock()
}

// TouchUser refreshes user's lease without changing their plan. A
// heartbeat for an unknown user is a no-op.
func (s *Session) TouchUser(user string) {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()

	state, ok := s.plans[user]
	if !ok {
		return
	}
	state.LastSeenUTC = time.Now()
	s.plans[user] = state
}

// RemoveUser drops user's plan immediately, recomputing demand gating.
func (s *Session) RemoveUser(_ context.Context, user string) {
	s.plansMu.Lock()
	delete(s.plans, user)
	s.plansMu.Unlock()

	s.recomputeDemand()
}

func (s *Session) currentUnion() []model.MachineDataItem {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()

	plans := make([]model.MachineDataPlan, 0, len(s.plans))
	for _, state := range s.plans {
		plans = append(plans, state.Plan)
	}
	return unionPlan(plans)
}

func (s *Session) hasAnyActiveUsers() bool {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()
	return len(s.plans) > 0
}

func (s *Session) recomputeDemand() {
	s.base.SetPublishAllowed(s.hasAnyActiveUsers())
}

func (s *Session) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

func (s *Session) reapExpired() {
	now := time.Now()

	s.plansMu.Lock()
	removed := false
	for user, state := range s.plans {
		if now.Sub(state.LastSeenUTC) > leaseTimeout {
			delete(s.plans, user)
			removed = true
		}
	}
	s.plansMu.Unlock()

	if removed {
		s.recomputeDemand()
	}
}

func (s *Session) onConnect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return gwerrors.WrapTransient(err, "plc_session", "onConnect", "connect")
	}
	return nil
}

func (s *Session) onDisconnect(ctx context.Context) error {
	return s.transport.Close(ctx)
}

// readFrame implements the polling loop: read the whole union in one
// ReadItems call bounded by max(200ms, configured timeout), then soft-pace
// by sleeping the configured period. An empty union with active users
// idles for 50ms without issuing a spurious read.
func (s *Session) readFrame(ctx context.Context) (model.PlcFrame, error) {
	items := s.currentUnion()
	if len(items) == 0 {
		if !sleepCtx(ctx, idleSleep) {
			return model.PlcFrame{}, ctx.Err()
		}
		return model.PlcFrame{}, session.ErrNoFrame
	}

	s.periodMu.Lock()
	period := s.period
	timeout := s.timeoutMs
	s.periodMu.Unlock()
	if timeout < minReadTimeout {
		timeout = minReadTimeout
	}

	values, err := s.transport.ReadItems(ctx, items, timeout)
	if err != nil {
		return model.PlcFrame{}, gwerrors.WrapTransient(err, "plc_session", "readFrame", "read")
	}

	frame := model.PlcFrame{
		Ts:     time.Now().UnixMilli(),
		Seq:    s.seq.Add(1),
		Values: values,
	}

	sleepCtx(ctx, period)
	return frame, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
