// Package egress owns the single background pump that turns each device
// session's latest frame into an MQTT publish, plus the retained device
// roster. It is the only place outbound traffic originates from.
package egress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/twinsync/gateway/health"
	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
)

const (
	defaultPublishPeriod  = 30 * time.Millisecond
	defaultPumpWorkers    = 8
	defaultPumpQueueDepth = 256

	// healthComponent is the name the pump reports its fan-out pool's
	// health under, once WithHealthMonitor is supplied.
	healthComponent = "egress_pump"

	// dropRateUnhealthy and dropRateDegraded bound the fan-out pool's
	// lifetime drop rate for health reporting: a broker-side slowdown
	// shows up here before it shows up anywhere else.
	dropRateUnhealthy = 0.5
	dropRateDegraded  = 0.1
)

const dataQoS byte = 0

// errFanoutQueueFull is returned by submit when the fan-out channel has no
// free slot, mirroring the non-blocking-submit behavior a bounded pump
// needs under a slow broker.
var errFanoutQueueFull = stderrors.New("egress pump fan-out queue full")

type publishJob struct {
	key    model.DeviceKey
	frame  model.Frame
	pubSeq int64
}

// Pump holds the depth-1 "latest wins" cache per enabled device and
// publishes it on a fixed tick. enabled and latest are guarded by one
// mutex: setPublishAllowed(key, false) must remove a device from both
// atomically, or a frame enqueued between the two removals would leak a
// stale publish past disable.
//
// Publishing fans out across a small fixed pool of goroutines pulling from
// a bounded channel: Submit is non-blocking, so a slow broker sheds load
// (drops the publish being submitted when the queue is full) rather than stalling publishTick or
// piling up unbounded goroutines.
type Pump struct {
	mu      sync.Mutex
	enabled map[model.DeviceKey]struct{}
	latest  map[model.DeviceKey]model.Frame

	publisher Publisher
	workers   int
	queueSize int
	workChan  chan publishJob
	fanoutWG  sync.WaitGroup

	submitted atomic.Int64
	dropped   atomic.Int64

	limiter *rate.Limiter // nil means unlimited
	pubSeq  atomic.Int64
	period  time.Duration
	logger  *slog.Logger
	health  *health.Monitor // nil means no health reporting
	metrics *metric.Metrics // nil means no metrics recording

	stopTick   chan struct{}
	tickDone   chan struct{}
	stopHealth chan struct{}
	healthDone chan struct{}
}

// Option configures a Pump at construction time.
type Option func(*Pump)

// WithPublishPeriod overrides the default 30ms tick.
func WithPublishPeriod(d time.Duration) Option {
	return func(p *Pump) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithWorkers overrides the publish fan-out pool's worker count and queue depth.
func WithWorkers(workers, queueDepth int) Option {
	return func(p *Pump) {
		if workers > 0 {
			p.workers = workers
		}
		if queueDepth > 0 {
			p.queueSize = queueDepth
		}
	}
}

// WithPublishRateLimit caps the pump's sustained publish rate to the
// broker across all devices combined, independent of the worker pool's
// concurrency — protects a broker that throttles or disconnects clients
// exceeding a messages-per-second budget.
func WithPublishRateLimit(eventsPerSecond float64, burst int) Option {
	return func(p *Pump) {
		if eventsPerSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHealthMonitor makes the pump report its fan-out pool's drop rate
// under the "egress_pump" component on monitor, once Start runs.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(p *Pump) {
		p.health = monitor
	}
}

// WithMetrics makes the pump record publish/drop counters against
// registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Pump) {
		if registry != nil {
			p.metrics = registry.CoreMetrics()
		}
	}
}

// NewPump constructs a Pump publishing through publisher.
func NewPump(publisher Publisher, opts ...Option) *Pump {
	p := &Pump{
		enabled:   make(map[model.DeviceKey]struct{}),
		latest:    make(map[model.DeviceKey]model.Frame),
		publisher: publisher,
		period:    defaultPublishPeriod,
		workers:   defaultPumpWorkers,
		queueSize: defaultPumpQueueDepth,
		logger:    slog.Default().With("component", "egress_pump"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPublishAllowed implements the gateway's critical backpressure
// invariant: disabling a device drops its cached frame immediately, so a
// late re-enable never republishes stale data. Enabling never touches
// latest — it waits for the next real frame.
func (p *Pump) SetPublishAllowed(key model.DeviceKey, allowed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if allowed {
		p.enabled[key] = struct{}{}
		return
	}
	delete(p.enabled, key)
	delete(p.latest, key)
}

// Enqueue overwrites the cached frame for key. A frame for a device not
// currently enabled is dropped silently — this is what prevents a
// disable/enqueue race from refilling latest right after a disable.
func (p *Pump) Enqueue(key model.DeviceKey, frame model.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.enabled[key]; !ok {
		return
	}
	p.latest[key] = frame
}

// ClearDevice removes key from both enabled and latest.
func (p *Pump) ClearDevice(key model.DeviceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.enabled, key)
	delete(p.latest, key)
}

// ClearAll empties both sets, e.g. on a full shutdown.
func (p *Pump) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = make(map[model.DeviceKey]struct{})
	p.latest = make(map[model.DeviceKey]model.Frame)
}

// Start launches the fan-out workers and the publish ticker.
func (p *Pump) Start(ctx context.Context) error {
	p.workChan = make(chan publishJob, p.queueSize)
	p.fanoutWG.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.fanoutWorker(ctx)
	}

	p.stopTick = make(chan struct{})
	p.tickDone = make(chan struct{})
	go p.tickLoop(ctx)

	if p.health != nil {
		p.stopHealth = make(chan struct{})
		p.healthDone = make(chan struct{})
		go p.healthLoop(ctx)
	}
	return nil
}

// Stop halts the ticker, closes the fan-out queue, and waits for in-flight
// publishes to drain within timeout.
func (p *Pump) Stop(timeout time.Duration) error {
	close(p.stopTick)
	<-p.tickDone
	if p.health != nil {
		close(p.stopHealth)
		<-p.healthDone
	}
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.fanoutWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("egress pump: %w waiting for fan-out workers to drain", context.DeadlineExceeded)
	}
}

func (p *Pump) fanoutWorker(ctx context.Context) {
	defer p.fanoutWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.publishOne(ctx, job); err != nil {
				p.logger.Warn("publish failed", "device", job.key.String(), "error", err)
			}
		}
	}
}

// submit is the fan-out queue's non-blocking entry point: a full queue
// drops the job rather than stalling the caller.
func (p *Pump) submit(job publishJob) error {
	select {
	case p.workChan <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return errFanoutQueueFull
	}
}

// dropRate returns the fraction of submitted publishes dropped for a full
// fan-out queue, over the pump's lifetime. 0 submissions reports 0, not
// NaN, so a caller polling this right after Start never has to
// special-case the empty pump.
func (p *Pump) dropRate() float64 {
	dropped := p.dropped.Load()
	total := p.submitted.Load() + dropped
	if total == 0 {
		return 0
	}
	return float64(dropped) / float64(total)
}

type pumpStats struct {
	workers    int
	queueSize  int
	queueDepth int
	submitted  int64
	dropped    int64
}

func (p *Pump) stats() pumpStats {
	return pumpStats{
		workers:    p.workers,
		queueSize:  p.queueSize,
		queueDepth: len(p.workChan),
		submitted:  p.submitted.Load(),
		dropped:    p.dropped.Load(),
	}
}

// healthLoop periodically reports the fan-out queue's lifetime drop rate to
// the configured health.Monitor, until Stop closes stopHealth.
func (p *Pump) healthLoop(ctx context.Context) {
	defer close(p.healthDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.reportHealth()
		}
	}
}

func (p *Pump) reportHealth() {
	dropRate := p.dropRate()
	msg := healthMessage(p.stats())
	switch {
	case dropRate >= dropRateUnhealthy:
		p.health.UpdateUnhealthy(healthComponent, msg)
	case dropRate >= dropRateDegraded:
		p.health.UpdateDegraded(healthComponent, msg)
	default:
		p.health.UpdateHealthy(healthComponent, msg)
	}
}

func (p *Pump) tickLoop(ctx context.Context) {
	defer close(p.tickDone)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopTick:
			return
		case <-ticker.C:
			p.publishTick()
		}
	}
}

// publishTick snapshots enabled+latest under the lock, then submits each
// entry to the fan-out queue outside the lock so a slow publish never
// stalls producers calling Enqueue/SetPublishAllowed.
func (p *Pump) publishTick() {
	snapshot := p.snapshot()
	for key, frame := range snapshot {
		job := publishJob{key: key, frame: frame, pubSeq: p.pubSeq.Add(1)}
		if err := p.submit(job); err != nil {
			p.logger.Warn("dropping publish, fan-out queue full", "device", key.String(), "error", err)
			if p.metrics != nil {
				p.metrics.RecordPumpDrop()
			}
		}
	}
}

func (p *Pump) snapshot() map[model.DeviceKey]model.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[model.DeviceKey]model.Frame, len(p.enabled))
	for key := range p.enabled {
		if frame, ok := p.latest[key]; ok {
			out[key] = frame
		}
	}
	return out
}

func healthMessage(stats pumpStats) string {
	return fmt.Sprintf("queue depth %d/%d, %d dropped of %d submitted", stats.queueDepth, stats.queueSize, stats.dropped, stats.submitted)
}

func (p *Pump) publishOne(ctx context.Context, job publishJob) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	env := newDataEnvelope(job.pubSeq, job.key, job.frame)
	payload, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("failed to marshal data envelope", "device", job.key.String(), "error", err)
		return err
	}
	if err := p.publisher.Publish(ctx, dataTopic(job.key), payload, dataQoS, false); err != nil {
		p.logger.Warn("publish failed", "device", job.key.String(), "error", err)
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordMessagePublished(job.key.DeviceID)
	}
	return nil
}
