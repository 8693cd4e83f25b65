package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/gateway/model"
)

type fakeHooks struct {
	mu          sync.Mutex
	connectErr  error
	failNext    bool
	frames      []model.TelemetryFrame
	seq         atomic.Int64
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (f *fakeHooks) OnConnect(_ context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeHooks) OnDisconnect(_ context.Context) error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeHooks) ReadFrame(ctx context.Context) (model.TelemetryFrame, error) {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()

	if fail {
		return model.TelemetryFrame{}, fmt.Errorf("simulated read failure")
	}

	time.Sleep(time.Millisecond)
	seq := f.seq.Add(1)
	return model.TelemetryFrame{Ts: time.Now().UnixMilli(), Seq: seq}, nil
}

func testKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "d1", DeviceType: "robot-fanuc"}
}

func TestBase_ConnectFailurePropagatesAndFaults(t *testing.T) {
	hooks := &fakeHooks{connectErr: fmt.Errorf("boom")}
	b := New[model.TelemetryFrame](testKey(), hooks)

	err := b.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, model.Faulted, b.Status())
	assert.False(t, b.PublishAllowed())
}

func TestBase_StartReachesStreamingAndEmitsFrames(t *testing.T) {
	hooks := &fakeHooks{}
	var received []model.TelemetryFrame
	var mu sync.Mutex

	b := New[model.TelemetryFrame](testKey(), hooks,
		WithFrameReceived[model.TelemetryFrame](func(_ model.DeviceKey, f model.TelemetryFrame) {
			mu.Lock()
			received = append(received, f)
			mu.Unlock()
		}),
		WithReadOnlyWhenPublishAllowed[model.TelemetryFrame](false),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Start(ctx))
	assert.Equal(t, model.Streaming, b.Status())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, model.Disconnected, b.Status())
}

func TestBase_GateBlocksReadFrameWhenNotPublishAllowed(t *testing.T) {
	hooks := &fakeHooks{}
	b := New[model.TelemetryFrame](testKey(), hooks, WithIdleSleep[model.TelemetryFrame](5*time.Millisecond))

	require.NoError(t, b.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int64(0), hooks.seq.Load())
	require.NoError(t, b.Stop(context.Background()))
}

func TestBase_SetPublishAllowedIsEdgeTriggered(t *testing.T) {
	hooks := &fakeHooks{}
	var transitions []bool
	var mu sync.Mutex

	b := New[model.TelemetryFrame](testKey(), hooks,
		WithPublishAllowedChanged[model.TelemetryFrame](func(_ model.DeviceKey, allowed bool) {
			mu.Lock()
			transitions = append(transitions, allowed)
			mu.Unlock()
		}),
	)

	b.SetPublishAllowed(true)
	b.SetPublishAllowed(true)
	b.SetPublishAllowed(false)
	b.SetPublishAllowed(false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestBase_RunLoopFaultTriggersReconnect(t *testing.T) {
	hooks := &fakeHooks{}
	b := New[model.TelemetryFrame](testKey(), hooks, WithReadOnlyWhenPublishAllowed[model.TelemetryFrame](false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Start(ctx))
	assert.Eventually(t, func() bool { return hooks.seq.Load() > 0 }, time.Second, 5*time.Millisecond)

	hooks.mu.Lock()
	hooks.failNext = true
	hooks.mu.Unlock()

	assert.Eventually(t, func() bool {
		return hooks.connects.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.Streaming, b.Status())
	require.NoError(t, b.Stop(context.Background()))
}
