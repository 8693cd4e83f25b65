package plc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
	"github.com/twinsync/gateway/transport/plcsim"
)

func testKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "PLC1", DeviceType: "plc-micro850"}
}

func TestSession_NoDemandMeansPublishNotAllowedAndNoReads(t *testing.T) {
	tr := plcsim.NewTransport()
	s := New(testKey(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	time.Sleep(30 * time.Millisecond)

	assert.False(t, s.PublishAllowed())
	assert.Equal(t, int64(0), s.seq.Load())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSession_ApplyPlanOpensGateAndEmitsStructFrame(t *testing.T) {
	tr := plcsim.NewTransport()

	var frames []model.PlcFrame
	var mu sync.Mutex

	s := New(testKey(), tr, WithFrameReceived(func(_ model.DeviceKey, f model.PlcFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	s.ApplyMachineDataPlan(ctx, "userA", model.MachineDataPlan{
		Items: []model.MachineDataItem{
			{Path: plcsim.TagPartCount},
			{Path: plcsim.TagStation1Status, Expand: model.ExpandUDT},
		},
	})

	assert.True(t, s.PublishAllowed())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	last := frames[len(frames)-1]
	mu.Unlock()

	_, ok := last.Values[plcsim.TagPartCount].Int32()
	assert.True(t, ok)

	members, ok := last.Values[plcsim.TagStation1Status].Struct()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"Run", "Faulted", "FaultCode", "Speed", "Temp0", "Temp1"}, structKeys(members))

	require.NoError(t, s.Stop(context.Background()))
}

func structKeys(m map[string]model.PlcValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestSession_WithMetricsRecordsFrameReadsAndPlanApplies(t *testing.T) {
	tr := plcsim.NewTransport()
	registry := metric.NewMetricsRegistry()
	s := New(testKey(), tr, WithMetrics(registry))
	core := registry.CoreMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	s.ApplyMachineDataPlan(ctx, "userA", model.MachineDataPlan{Items: []model.MachineDataItem{{Path: plcsim.TagPartCount}}})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(core.FramesRead.WithLabelValues("PLC1")) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(core.PlanApplies.WithLabelValues("PLC1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.PublishAllowed.WithLabelValues("PLC1")))

	require.NoError(t, s.Stop(context.Background()))
}

func TestSession_RemoveLastUserClosesGate(t *testing.T) {
	tr := plcsim.NewTransport()
	s := New(testKey(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	s.ApplyMachineDataPlan(ctx, "userA", model.MachineDataPlan{Items: []model.MachineDataItem{{Path: plcsim.TagPartCount}}})
	assert.True(t, s.PublishAllowed())

	s.RemoveUser(ctx, "userA")
	assert.False(t, s.PublishAllowed())

	require.NoError(t, s.Stop(context.Background()))
}

func TestSession_LeaseExpiryRemovesUser(t *testing.T) {
	tr := plcsim.NewTransport()
	s := New(testKey(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	s.ApplyMachineDataPlan(ctx, "userA", model.MachineDataPlan{Items: []model.MachineDataItem{{Path: plcsim.TagPartCount}}})
	require.True(t, s.PublishAllowed())

	s.plansMu.Lock()
	state := s.plans["userA"]
	state.LastSeenUTC = time.Now().Add(-2 * leaseTimeout)
	s.plans["userA"] = state
	s.plansMu.Unlock()

	s.reapExpired()

	assert.False(t, s.PublishAllowed())
	require.NoError(t, s.Stop(context.Background()))
}
