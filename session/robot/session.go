// Package robot implements the telemetry device session: it layers the
// robot-side plan contract and a GET_FAST/END streaming loop on top of the
// generic device-session supervisor.
package robot

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
	defaultPeriod = 30 * time.Millisecond
	minPeriod     = 50 * time.Millisecond
	readTimeout   = 500 * time.Millisecond
	leaseTimeout  = 60 * time.Second
	reapInterval  = 5 * time.Second
)

// Session is a robot device's supervised session: it owns the union of
// every subscribed user's TelemetryPlan and streams frames while demand
// is nonzero.
type Session struct {
	key       model.DeviceKey
	transport transport.RobotTransport
	base      *session.Base[model.TelemetryFrame]
	logger    *slog.Logger

	ioMu sync.Mutex // serializes plan-apply commands against streaming reads

	plansMu     sync.Mutex
	plans       map[string]model.UserPlanState[model.TelemetryPlan]
	appliedPlan model.TelemetryPlan

	periodMu     sync.Mutex
	period       time.Duration
	lastBoundary time.Time

	seq atomic.Int64

	sessionID  string
	reapCancel context.CancelFunc
	reapGroup  *errgroup.Group

	frameHook   func(model.DeviceKey, model.TelemetryFrame)
	publishHook func(model.DeviceKey, bool)
	statusHook  func(model.DeviceKey, model.DeviceStatus, error)

	metrics *metric.Metrics // nil means no metrics recording
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithFrameReceived registers a callback invoked for every emitted frame.
func WithFrameReceived(fn func(model.DeviceKey, model.TelemetryFrame)) Option {
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
func (h hooksAdapter) ReadFrame(ctx context.Context) (model.TelemetryFrame, error) {
	return h.s.readFrame(ctx)
}

// New constructs a robot device session over the given transport.
func New(key model.DeviceKey, t transport.RobotTransport, opts ...Option) *Session {
	s := &Session{
		key:       key,
		transport: t,
		plans:     make(map[string]model.UserPlanState[model.TelemetryPlan]),
		period:    defaultPeriod,
		sessionID: uuid.New().String(),
		logger:    slog.Default().With("component", "robot_session", "device", key.String()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.sessionID)

	s.base = session.New[model.TelemetryFrame](key, hooksAdapter{s: s},
		session.WithFrameReceived[model.TelemetryFrame](s.emitFrame),
		session.WithPublishAllowedChanged[model.TelemetryFrame](s.emitPublishAllowed),
		session.WithStatusChanged[model.TelemetryFrame](s.emitStatus),
	)
	return s
}

func (s *Session) emitFrame(key model.DeviceKey, f model.TelemetryFrame) {
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

// ApplyTelemetryPlan records or refreshes user's telemetry plan,
// recomputes the union, and (re)applies it to the device if it changed.
func (s *Session) ApplyTelemetryPlan(ctx context.Context, user string, plan model.TelemetryPlan) {
	s.plansMu.Lock()
	s.plans[user] = model.UserPlanState[model.TelemetryPlan]{Plan: plan, LastSeenUTC: time.Now()}
	union := s.currentUnionLocked()
	s.plansMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPlanApply(s.key.DeviceID)
	}
	s.recomputeDemand()
	s.applyIfChangedAndReport(ctx, union)
}

// ApplyMachineDataPlan is a no-op: a robot session only supports
// telemetry plans, so a machine-data plan delivered to it is dropped.
func (s *Session) ApplyMachineDataPlan(_ context.Context, _ string, _ model.MachineDataPlan) {}

// SetPeriod overrides the streaming period from a plan envelope's
// periodMs, clamped to a floor of 50ms.
func (s *Session) SetPeriod(d time.Duration) {
	if d < minPeriod {
		d = minPeriod
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

// RemoveUser drops user's plan immediately, recomputing the union and
// demand gating.
func (s *Session) RemoveUser(ctx context.Context, user string) {
	s.plansMu.Lock()
	delete(s.plans, user)
	union := s.currentUnionLocked()
	s.plansMu.Unlock()

	s.recomputeDemand()
	s.applyIfChangedAndReport(ctx, union)
}

func (s *Session) currentUnionLocked() model.TelemetryPlan {
	plans := make([]model.TelemetryPlan, 0, len(s.plans))
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
			s.reapExpired(ctx)
		}
	}
}

func (s *Session) reapExpired(ctx context.Context) {
	now := time.Now()

	s.plansMu.Lock()
	removed := false
	for user, state := range s.plans {
		if now.Sub(state.LastSeenUTC) > leaseTimeout {
			delete(s.plans, user)
			removed = true
		}
	}
	var union model.TelemetryPlan
	if removed {
		union = s.currentUnionLocked()
	}
	s.plansMu.Unlock()

	if !removed {
		return
	}

	s.recomputeDemand()
	s.applyIfChangedAndReport(ctx, union)
}

func (s *Session) applyIfChangedAndReport(ctx context.Context, union model.TelemetryPlan) {
	if err := s.applyIfChanged(ctx, union); err != nil {
		s.logger.Warn("plan application failed", "error", err)
		s.base.Fault(err)
	}
}

// onConnect establishes the transport and re-applies the current union
// from scratch, since the device forgets its plan across reconnects.
func (s *Session) onConnect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return gwerrors.WrapTransient(err, "robot_session", "onConnect", "connect")
	}

	s.plansMu.Lock()
	s.appliedPlan = model.TelemetryPlan{}
	union := s.currentUnionLocked()
	s.plansMu.Unlock()

	s.periodMu.Lock()
	s.lastBoundary = time.Time{}
	s.periodMu.Unlock()

	return s.applyIfChanged(ctx, union)
}

func (s *Session) onDisconnect(ctx context.Context) error {
	return s.transport.Close(ctx)
}

// readFrame implements the streaming loop: send GET_FAST, parse the
// response until END under the I/O mutex, then pace to the next period
// boundary (collapsing drift back to "now").
func (s *Session) readFrame(ctx context.Context) (model.TelemetryFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	s.ioMu.Lock()
	frame, err := s.getFast(readCtx)
	s.ioMu.Unlock()

	if err != nil {
		return model.TelemetryFrame{}, err
	}

	s.paceToNextBoundary(ctx)
	return frame, nil
}

func (s *Session) getFast(ctx context.Context) (model.TelemetryFrame, error) {
	if err := s.transport.WriteLine(ctx, "GET_FAST"); err != nil {
		return model.TelemetryFrame{}, gwerrors.WrapTransient(err, "robot_session", "getFast", "write")
	}

	frame := model.TelemetryFrame{Ts: time.Now().UnixMilli(), Seq: s.seq.Add(1)}
	for {
		line, err := s.transport.ReadLine(ctx, readTimeout)
		if err != nil {
			return model.TelemetryFrame{}, gwerrors.WrapTransient(err, "robot_session", "getFast", "read")
		}
		if line == "END" {
			return frame, nil
		}
		applyResponseLine(&frame, line)
	}
}

func (s *Session) paceToNextBoundary(ctx context.Context) {
	s.periodMu.Lock()
	period := s.period
	next := s.lastBoundary.Add(period)
	now := time.Now()
	if next.Before(now) {
		next = now.Add(period)
	}
	s.lastBoundary = next
	s.periodMu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// applyIfChanged diffs union against the plan last sent to the device and
// issues PLAN_* commands, expecting a literal OK, for every field that
// changed.
func (s *Session) applyIfChanged(ctx context.Context, union model.TelemetryPlan) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	applied := s.appliedPlan
	changed := false

	if !intsEqual(union.DI, applied.DI) {
		if err := s.sendIntPlan(ctx, "PLAN_DI", union.DI); err != nil {
			return err
		}
		changed = true
	}
	if !intsEqual(union.GI, applied.GI) {
		if err := s.sendIntPlan(ctx, "PLAN_GI", union.GI); err != nil {
			return err
		}
		changed = true
	}
	if !intsEqual(union.GO, applied.GO) {
		if err := s.sendIntPlan(ctx, "PLAN_GO", union.GO); err != nil {
			return err
		}
		changed = true
	}
	if !intsEqual(union.DO, applied.DO) {
		if err := s.sendIntPlan(ctx, "PLAN_DO", union.DO); err != nil {
			return err
		}
		changed = true
	}
	if !intsEqual(union.R, applied.R) {
		if err := s.sendIntPlan(ctx, "PLAN_R", union.R); err != nil {
			return err
		}
		changed = true
	}
	if !stringsEqual(union.VAR, applied.VAR) {
		if err := s.sendStringPlan(ctx, "PLAN_VAR", union.VAR); err != nil {
			return err
		}
		changed = true
	}

	if changed {
		s.appliedPlan = union
	}
	return nil
}

func (s *Session) sendIntPlan(ctx context.Context, field string, vals []int) error {
	return s.sendAndExpectOK(ctx, field+"="+formatIntList(vals))
}

func (s *Session) sendStringPlan(ctx context.Context, field string, vals []string) error {
	return s.sendAndExpectOK(ctx, field+"="+formatStringList(vals))
}

func (s *Session) sendAndExpectOK(ctx context.Context, line string) error {
	if err := s.transport.WriteLine(ctx, line); err != nil {
		return gwerrors.WrapTransient(err, "robot_session", "sendAndExpectOK", "write")
	}

	resp, err := s.transport.ReadLine(ctx, readTimeout)
	if err != nil {
		return gwerrors.WrapTransient(err, "robot_session", "sendAndExpectOK", "read")
	}
	if resp != "OK" {
		return gwerrors.WrapTransient(gwerrors.ErrPlanNotAcked, "robot_session", "sendAndExpectOK", "ack")
	}
	return nil
}
