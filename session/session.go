// Package session implements the generic device-session supervisor that
// RobotSession and PlcSession both embed: it owns the connect/disconnect
// lifecycle, the publishAllowed gate, and the reconnect loop with a
// min(10s, 500ms*attempt) backoff. Concrete sessions supply a Hooks implementation and
// get the run-loop, fault handling, and reconnection for free.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinsync/gateway/errors"
	"github.com/twinsync/gateway/model"
)

// Hooks is the protected surface a concrete session implements. OnConnect
// and OnDisconnect establish and tear down the transport; ReadFrame
// produces one frame per run-loop iteration, pacing itself as needed.
// ReadFrame may return ErrNoFrame to skip emission for this tick without
// being treated as a fault (used when a session has no active demand to
// poll for).
type Hooks[F model.Frame] interface {
	OnConnect(ctx context.Context) error
	OnDisconnect(ctx context.Context) error
	ReadFrame(ctx context.Context) (F, error)
}

// ErrNoFrame is returned by Hooks.ReadFrame to indicate the tick produced
// nothing publishable — not a fault, just idle.
var ErrNoFrame = errors.WrapInvalid(errNoFrame{}, "session", "ReadFrame", "idle")

type errNoFrame struct{}

func (errNoFrame) Error() string { return "no frame produced this tick" }

const (
	defaultIdleSleep   = 50 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	defaultBaseBackoff = 500 * time.Millisecond
)

// Option configures a Base at construction time.
type Option[F model.Frame] func(*Base[F])

// WithStatusChanged registers a callback invoked whenever the session's
// status transitions, carrying the fault error when transitioning to Faulted.
func WithStatusChanged[F model.Frame](fn func(model.DeviceKey, model.DeviceStatus, error)) Option[F] {
	return func(b *Base[F]) { b.onStatusChanged = fn }
}

// WithFrameReceived registers a callback invoked for every frame ReadFrame
// produces (ErrNoFrame ticks are not delivered here).
func WithFrameReceived[F model.Frame](fn func(model.DeviceKey, F)) Option[F] {
	return func(b *Base[F]) { b.onFrame = fn }
}

// WithPublishAllowedChanged registers a callback invoked only on the
// false->true or true->false edge of the publish-allowed gate.
func WithPublishAllowedChanged[F model.Frame](fn func(model.DeviceKey, bool)) Option[F] {
	return func(b *Base[F]) { b.onPublishAllowedChanged = fn }
}

// WithReadOnlyWhenPublishAllowed overrides the default (true): when false,
// ReadFrame is called every tick regardless of the publish-allowed gate.
func WithReadOnlyWhenPublishAllowed[F model.Frame](enabled bool) Option[F] {
	return func(b *Base[F]) { b.readOnlyWhenPublishAllowed = enabled }
}

// WithIdleSleep overrides the default 50ms idle-tick sleep.
func WithIdleSleep[F model.Frame](d time.Duration) Option[F] {
	return func(b *Base[F]) { b.idleSleep = d }
}

// WithLogger overrides the default slog logger.
func WithLogger[F model.Frame](logger *slog.Logger) Option[F] {
	return func(b *Base[F]) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Base is the generic device-session supervisor. F is the concrete frame
// type the embedding session emits (TelemetryFrame, PlcFrame, ...).
type Base[F model.Frame] struct {
	key   model.DeviceKey
	hooks Hooks[F]

	status         atomic.Value // model.DeviceStatus
	publishAllowed atomic.Bool

	readOnlyWhenPublishAllowed bool
	idleSleep                  time.Duration

	onStatusChanged         func(model.DeviceKey, model.DeviceStatus, error)
	onFrame                 func(model.DeviceKey, F)
	onPublishAllowedChanged func(model.DeviceKey, bool)

	logger *slog.Logger

	mu        sync.Mutex // guards run-loop/supervise lifecycle below
	running   bool
	runCancel context.CancelFunc
	runDone   chan struct{}
	supCancel context.CancelFunc
	supDone   chan struct{}
	faultCh   chan struct{}
}

// New constructs a Base for the given device key and hook implementation.
func New[F model.Frame](key model.DeviceKey, hooks Hooks[F], opts ...Option[F]) *Base[F] {
	b := &Base[F]{
		key:                        key,
		hooks:                      hooks,
		readOnlyWhenPublishAllowed: true,
		idleSleep:                  defaultIdleSleep,
		logger:                     slog.Default().With("component", "session", "device", key.String()),
		faultCh:                    make(chan struct{}, 1),
	}
	b.status.Store(model.Disconnected)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Key returns the device key this session supervises.
func (b *Base[F]) Key() model.DeviceKey { return b.key }

// Status returns the current lifecycle status.
func (b *Base[F]) Status() model.DeviceStatus {
	return b.status.Load().(model.DeviceStatus)
}

// PublishAllowed reports whether the egress gate is currently open.
func (b *Base[F]) PublishAllowed() bool {
	return b.publishAllowed.Load()
}

// SetPublishAllowed sets the egress gate, firing publishAllowedChanged only
// on an actual transition.
func (b *Base[F]) SetPublishAllowed(allowed bool) {
	if b.publishAllowed.Swap(allowed) != allowed {
		if b.onPublishAllowedChanged != nil {
			b.onPublishAllowedChanged(b.key, allowed)
		}
	}
}

func (b *Base[F]) setStatus(s model.DeviceStatus, err error) {
	b.status.Store(s)
	if b.onStatusChanged != nil {
		b.onStatusChanged(b.key, s, err)
	}
}

// Start performs the first connect (propagating its error to the caller
// per policy) and, on success, launches the background reconnect
// supervisor that keeps the session alive for the lifetime of ctx.
func (b *Base[F]) Start(ctx context.Context) error {
	if err := b.connect(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	supCtx, cancel := context.WithCancel(ctx)
	b.supCancel = cancel
	b.supDone = make(chan struct{})
	b.mu.Unlock()

	go b.superviseReconnect(supCtx)
	return nil
}

// Stop disconnects and stops the reconnect supervisor. Idempotent.
func (b *Base[F]) Stop(ctx context.Context) error {
	b.mu.Lock()
	supCancel := b.supCancel
	supDone := b.supDone
	b.mu.Unlock()

	if supCancel != nil {
		supCancel()
	}
	if supDone != nil {
		<-supDone
	}
	return b.disconnect(ctx)
}

// connect transitions Disconnected->Connecting, invokes OnConnect, and on
// success launches the run loop and transitions to Streaming.
func (b *Base[F]) connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.setStatus(model.Connecting, nil)

	if err := b.hooks.OnConnect(ctx); err != nil {
		b.publishAllowed.Store(false)
		b.setStatus(model.Faulted, err)
		return err
	}

	b.setStatus(model.Connected, nil)

	runCtx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runDone = make(chan struct{})
	b.running = true

	go b.runLoop(runCtx, b.runDone)

	b.setStatus(model.Streaming, nil)
	return nil
}

// disconnect is idempotent: it cancels the run loop, awaits its exit,
// invokes OnDisconnect, and transitions to Disconnected.
func (b *Base[F]) disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	cancel := b.runCancel
	done := b.runDone
	b.running = false
	b.mu.Unlock()

	b.publishAllowed.Store(false)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if err := b.hooks.OnDisconnect(ctx); err != nil {
		b.logger.Warn("cleanup failed during disconnect", "error", err)
	}

	b.setStatus(model.Disconnected, nil)
	return nil
}

// Fault lets a concrete session report a failure detected outside the run
// loop (e.g. a plan-apply command the device didn't acknowledge) as a
// session fault, triggering the same reconnect path as a run-loop error.
func (b *Base[F]) Fault(err error) {
	b.fault(err)
}

// runLoop implements the run-loop protocol: skip ReadFrame while the
// publish-allowed gate is closed (if configured to), otherwise read one
// frame per iteration and emit it; any non-cancellation error other than
// ErrNoFrame is a fault that exits the loop.
func (b *Base[F]) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if b.readOnlyWhenPublishAllowed && !b.PublishAllowed() {
			if !sleepCtx(ctx, b.idleSleep) {
				return
			}
			continue
		}

		frame, err := b.hooks.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == ErrNoFrame {
				continue
			}
			b.fault(err)
			return
		}

		if b.onFrame != nil {
			b.onFrame(b.key, frame)
		}
	}
}

// fault records a run-loop failure: closes the publish gate, transitions
// to Faulted, and wakes the reconnect supervisor.
func (b *Base[F]) fault(err error) {
	b.publishAllowed.Store(false)
	b.setStatus(model.Faulted, err)

	select {
	case b.faultCh <- struct{}{}:
	default:
	}
}

// superviseReconnect watches for faults and re-establishes the session
// with backoff min(10s, 500ms*attempt) until ctx is cancelled.
func (b *Base[F]) superviseReconnect(ctx context.Context) {
	defer close(b.supDone)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.faultCh:
		}

		attempt++
		backoff := time.Duration(attempt) * defaultBaseBackoff
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}
		if !sleepCtx(ctx, backoff) {
			return
		}

		_ = b.disconnect(ctx)

		if err := b.connect(ctx); err != nil {
			b.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			select {
			case b.faultCh <- struct{}{}:
			default:
			}
			continue
		}

		attempt = 0
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting which
// happened first.
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
