package egress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/gateway/health"
	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
}

type publishedMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMessage{topic: topic, payload: payload, qos: qos, retain: retain})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) last() publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

func testDeviceKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "T", GatewayID: "G", DeviceType: "robot-fanuc", DeviceID: "R1"}
}

func TestPump_EnqueueWithoutEnableIsDroppedSilently(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub)
	key := testDeviceKey()

	p.Enqueue(key, model.TelemetryFrame{Ts: 1, Seq: 1})

	p.mu.Lock()
	_, cached := p.latest[key]
	p.mu.Unlock()
	assert.False(t, cached)
}

func TestPump_SetPublishAllowedFalseDropsCachedFrame(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub)
	key := testDeviceKey()

	p.SetPublishAllowed(key, true)
	p.Enqueue(key, model.TelemetryFrame{Ts: 1, Seq: 1})

	p.mu.Lock()
	_, cachedBefore := p.latest[key]
	p.mu.Unlock()
	require.True(t, cachedBefore)

	p.SetPublishAllowed(key, false)

	p.mu.Lock()
	_, cachedAfter := p.latest[key]
	_, enabledAfter := p.enabled[key]
	p.mu.Unlock()
	assert.False(t, cachedAfter)
	assert.False(t, enabledAfter)
}

func TestPump_ReenableAfterDisableWaitsForFreshFrame(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub)
	key := testDeviceKey()

	p.SetPublishAllowed(key, true)
	p.Enqueue(key, model.TelemetryFrame{Ts: 1, Seq: 1})
	p.SetPublishAllowed(key, false)
	p.SetPublishAllowed(key, true)

	p.mu.Lock()
	_, cached := p.latest[key]
	p.mu.Unlock()
	assert.False(t, cached, "re-enable must not resurrect the pre-disable frame")
}

func TestPump_ClearDeviceRemovesFromBothSets(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub)
	key := testDeviceKey()

	p.SetPublishAllowed(key, true)
	p.Enqueue(key, model.TelemetryFrame{Ts: 1, Seq: 1})
	p.ClearDevice(key)

	p.mu.Lock()
	_, enabled := p.enabled[key]
	_, cached := p.latest[key]
	p.mu.Unlock()
	assert.False(t, enabled)
	assert.False(t, cached)
}

func TestPump_ClearAllEmptiesBothSets(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub)
	a := testDeviceKey()
	b := model.DeviceKey{TenantID: "T", GatewayID: "G", DeviceType: "plc-micro850", DeviceID: "PLC1"}

	p.SetPublishAllowed(a, true)
	p.SetPublishAllowed(b, true)
	p.ClearAll()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.enabled)
	assert.Empty(t, p.latest)
}

func TestPump_TickPublishesEnabledDevicesWithEnvelopeShape(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub, WithPublishPeriod(5*time.Millisecond))
	key := testDeviceKey()
	p.SetPublishAllowed(key, true)
	p.Enqueue(key, model.TelemetryFrame{Ts: 1234, Seq: 7, JointsDeg: []float64{1, 2, 3, 4, 5, 6}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(time.Second)

	require.Eventually(t, func() bool { return pub.count() > 0 }, time.Second, 5*time.Millisecond)

	msg := pub.last()
	assert.Equal(t, dataTopic(key), msg.topic)
	assert.Equal(t, byte(0), msg.qos)
	assert.False(t, msg.retain)

	var env dataEnvelope
	require.NoError(t, json.Unmarshal(msg.payload, &env))
	assert.Equal(t, int64(1234), env.Ts)
	assert.Equal(t, int64(7), env.FrameSeq)
	assert.Equal(t, "R1", env.DeviceID)
	assert.Greater(t, env.PubSeq, int64(0))
}

func TestPump_WithMetricsRecordsPublishedMessages(t *testing.T) {
	pub := &recordingPublisher{}
	registry := metric.NewMetricsRegistry()
	p := NewPump(pub, WithPublishPeriod(5*time.Millisecond), WithMetrics(registry))
	key := testDeviceKey()
	p.SetPublishAllowed(key, true)
	p.Enqueue(key, model.TelemetryFrame{Ts: 1234, Seq: 7})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(time.Second)

	core := registry.CoreMetrics()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(core.MessagesPublished.WithLabelValues(key.DeviceID)) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestPump_PublishRateLimitThrottlesAcrossDevices(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub, WithPublishPeriod(5*time.Millisecond), WithPublishRateLimit(1, 1))
	a := testDeviceKey()
	b := model.DeviceKey{TenantID: "T", GatewayID: "G", DeviceType: "plc-micro850", DeviceID: "PLC1"}
	p.SetPublishAllowed(a, true)
	p.SetPublishAllowed(b, true)
	p.Enqueue(a, model.TelemetryFrame{Ts: 1, Seq: 1})
	p.Enqueue(b, model.TelemetryFrame{Ts: 1, Seq: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(time.Second)

	require.Eventually(t, func() bool { return pub.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, pub.count(), 2, "a rate limit of 1/sec with burst 1 must not let both devices publish immediately")
}

type blockingPublisher struct {
	block chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, _ string, _ []byte, _ byte, _ bool) error {
	select {
	case <-b.block:
	case <-ctx.Done():
	}
	return nil
}

func TestPump_ReportHealthReflectsPoolDropRate(t *testing.T) {
	block := make(chan struct{})
	pub := &blockingPublisher{block: block}
	monitor := health.NewMonitor()
	p := NewPump(pub, WithWorkers(1, 1), WithHealthMonitor(monitor))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer close(block)

	key := testDeviceKey()
	job := publishJob{key: key, frame: model.TelemetryFrame{}}
	require.NoError(t, p.submit(job))
	require.Eventually(t, func() bool {
		err := p.submit(job)
		return err == nil
	}, time.Second, time.Millisecond, "the single worker must pick up the first job, freeing the queue slot for a second")

	// The worker is now blocked inside Publish with no free queue slot, so
	// every further submission must be dropped.
	dropped := false
	for i := 0; i < 20; i++ {
		if err := p.submit(job); err != nil {
			dropped = true
		}
	}
	require.True(t, dropped)

	p.reportHealth()
	status, ok := monitor.Get("egress_pump")
	require.True(t, ok)
	assert.False(t, status.Healthy, "a saturated queue with drops must not report healthy")
}

func TestPump_TickSkipsDisabledDevices(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPump(pub, WithPublishPeriod(5*time.Millisecond))
	key := testDeviceKey()
	p.Enqueue(key, model.TelemetryFrame{Ts: 1, Seq: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(time.Second)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, pub.count())
}
