package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/gateway/metric"
	"github.com/twinsync/gateway/model"
	"github.com/twinsync/gateway/registry"
)

type fakeTarget struct {
	key             model.DeviceKey
	touched         []string
	removed         []string
	telemetryPlans  []model.TelemetryPlan
	machineDataPlan []model.MachineDataPlan
	period          time.Duration
}

func (f *fakeTarget) Key() model.DeviceKey { return f.key }
func (f *fakeTarget) TouchUser(user string) {
	f.touched = append(f.touched, user)
}
func (f *fakeTarget) RemoveUser(_ context.Context, user string) {
	f.removed = append(f.removed, user)
}
func (f *fakeTarget) ApplyTelemetryPlan(_ context.Context, _ string, plan model.TelemetryPlan) {
	f.telemetryPlans = append(f.telemetryPlans, plan)
}
func (f *fakeTarget) ApplyMachineDataPlan(_ context.Context, _ string, plan model.MachineDataPlan) {
	f.machineDataPlan = append(f.machineDataPlan, plan)
}
func (f *fakeTarget) SetPeriod(d time.Duration) { f.period = d }

func testKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "T", GatewayID: "G", DeviceType: "robot-fanuc", DeviceID: "R1"}
}

func newTestRouter(target registry.PlanTarget) *Router {
	reg := registry.New()
	if target != nil {
		reg.Register(target)
	}
	return New(reg)
}

func TestRouter_HeartbeatTouchesUser(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	require.NoError(t, r.Handle("twinsync/T/G/hb/robot-fanuc/R1/uX", nil))
	assert.Equal(t, []string{"uX"}, target.touched)
}

func TestRouter_LeaveRemovesUser(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	require.NoError(t, r.Handle("twinsync/T/G/leave/robot-fanuc/R1/uX", nil))
	assert.Equal(t, []string{"uX"}, target.removed)
}

func TestRouter_PlanAppliesTelemetryByDefault(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	payload := []byte(`{"di":[105,113],"gi":[1]}`)
	require.NoError(t, r.Handle("twinsync/T/G/plan/robot-fanuc/R1/uX", payload))

	require.Len(t, target.telemetryPlans, 1)
	assert.Equal(t, []int{105, 113}, target.telemetryPlans[0].DI)
}

func TestRouter_PlanDispatchesMachineDataByKind(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	payload := []byte(`{"kind":"machineData","items":[{"path":"Station1Status","expand":"udt"}]}`)
	require.NoError(t, r.Handle("twinsync/T/G/plan/robot-fanuc/R1/uX", payload))

	require.Len(t, target.machineDataPlan, 1)
	assert.Equal(t, "Station1Status", target.machineDataPlan[0].Items[0].Path)
}

func TestRouter_PlanHonorsPeriodMsOverride(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	payload := []byte(`{"di":[105],"periodMs":25}`)
	require.NoError(t, r.Handle("twinsync/T/G/plan/robot-fanuc/R1/uX", payload))

	assert.Equal(t, 25*time.Millisecond, target.period)
}

func TestRouter_MissingFieldsDecodeAsEmptyNotError(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	require.NoError(t, r.Handle("twinsync/T/G/plan/robot-fanuc/R1/uX", []byte(`{}`)))
	require.Len(t, target.telemetryPlans, 1)
	assert.Empty(t, target.telemetryPlans[0].DI)
}

func TestRouter_BadJSONIsDroppedWithoutError(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	r := newTestRouter(target)

	err := r.Handle("twinsync/T/G/plan/robot-fanuc/R1/uX", []byte(`"{":}`))
	assert.NoError(t, err)
	assert.Empty(t, target.telemetryPlans)
}

func TestRouter_UnresolvedDeviceKeyIsDroppedSilently(t *testing.T) {
	r := newTestRouter(nil)
	err := r.Handle("twinsync/T/G/hb/robot-fanuc/R1/uX", nil)
	assert.NoError(t, err)
}

func TestRouter_UnparseableTopicIsDroppedSilently(t *testing.T) {
	r := newTestRouter(nil)
	err := r.Handle("not/a/valid/topic", nil)
	assert.NoError(t, err)
}

func TestRouter_WithMetricsRecordsHandlerErrorsByReason(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	reg := registry.New()
	reg.Register(target)
	registryMetrics := metric.NewMetricsRegistry()
	r := New(reg, WithMetrics(registryMetrics))
	core := registryMetrics.CoreMetrics()

	require.NoError(t, r.Handle("not/a/valid/topic", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.HandlerErrors.WithLabelValues("unparseable_topic")))

	require.NoError(t, r.Handle("twinsync/T/G/hb/robot-fanuc/R2/uX", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.HandlerErrors.WithLabelValues("unknown_device")))

	require.NoError(t, r.Handle("twinsync/T/G/plan/robot-fanuc/R1/uX", []byte(`"{":}`)))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.HandlerErrors.WithLabelValues("malformed_envelope")))
}

func TestRouter_HandlerRateLimitDropsExcessMessages(t *testing.T) {
	target := &fakeTarget{key: testKey()}
	reg := registry.New()
	reg.Register(target)
	r := New(reg, WithHandlerRateLimit(1, 1))

	topic := "twinsync/T/G/hb/robot-fanuc/R1/uX"
	require.NoError(t, r.Handle(topic, nil))
	require.NoError(t, r.Handle(topic, nil))

	assert.Len(t, target.touched, 1, "second message within the same instant should be dropped by the per-key limiter")
}

func TestRouter_HandlerRateLimitIsPerDeviceKey(t *testing.T) {
	keyA := testKey()
	keyB := model.DeviceKey{TenantID: "T", GatewayID: "G", DeviceType: "robot-fanuc", DeviceID: "R2"}
	targetA := &fakeTarget{key: keyA}
	targetB := &fakeTarget{key: keyB}
	reg := registry.New()
	reg.Register(targetA)
	reg.Register(targetB)
	r := New(reg, WithHandlerRateLimit(1, 1))

	require.NoError(t, r.Handle("twinsync/T/G/hb/robot-fanuc/R1/uX", nil))
	require.NoError(t, r.Handle("twinsync/T/G/hb/robot-fanuc/R2/uX", nil))

	assert.Len(t, targetA.touched, 1)
	assert.Len(t, targetB.touched, 1, "a busy device must not consume another device's rate budget")
}
