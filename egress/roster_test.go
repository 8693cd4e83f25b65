package egress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/gateway/model"
)

func TestRoster_RegisterPublishesDeviceInDisconnectedStatus(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRoster(pub)
	key := testDeviceKey()

	r.Register(context.Background(), DeviceInfo{Key: key, DisplayName: "Fanuc R1", ConnectionType: "robot-sim"})

	require.Equal(t, 1, pub.count())
	msg := pub.last()
	assert.Equal(t, "twinsync/T/G/devices", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retain)

	var env rosterEnvelope
	require.NoError(t, json.Unmarshal(msg.payload, &env))
	require.Len(t, env.Devices, 1)
	assert.Equal(t, "R1", env.Devices[0].DeviceID)
	assert.Equal(t, "disconnected", env.Devices[0].Status)
	assert.Equal(t, "Fanuc R1", env.Devices[0].DisplayName)
	assert.Nil(t, env.Devices[0].LastDataMs)
}

func TestRoster_UpdateStatusRepublishesOnChange(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRoster(pub)
	key := testDeviceKey()
	r.Register(context.Background(), DeviceInfo{Key: key})

	r.UpdateStatus(context.Background(), key, model.Streaming)

	require.Equal(t, 2, pub.count())
	var env rosterEnvelope
	require.NoError(t, json.Unmarshal(pub.last().payload, &env))
	assert.Equal(t, "streaming", env.Devices[0].Status)
}

func TestRoster_UpdateStatusToSameValueDoesNotRepublish(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRoster(pub)
	key := testDeviceKey()
	r.Register(context.Background(), DeviceInfo{Key: key})

	r.UpdateStatus(context.Background(), key, model.Disconnected)

	assert.Equal(t, 1, pub.count())
}

func TestRoster_UnregisterRemovesDeviceAndRepublishes(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRoster(pub)
	key := testDeviceKey()
	r.Register(context.Background(), DeviceInfo{Key: key})

	r.Unregister(context.Background(), key)

	require.Equal(t, 2, pub.count())
	var env rosterEnvelope
	require.NoError(t, json.Unmarshal(pub.last().payload, &env))
	assert.Empty(t, env.Devices)
}

func TestRoster_RecordFrameSetsLastDataMsWithoutPublishing(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRoster(pub)
	key := testDeviceKey()
	r.Register(context.Background(), DeviceInfo{Key: key})
	countAfterRegister := pub.count()

	ts := time.Unix(100, 0)
	r.RecordFrame(key, ts)
	assert.Equal(t, countAfterRegister, pub.count())

	r.UpdateStatus(context.Background(), key, model.Connecting)
	var env rosterEnvelope
	require.NoError(t, json.Unmarshal(pub.last().payload, &env))
	require.NotNil(t, env.Devices[0].LastDataMs)
	assert.Equal(t, ts.UnixMilli(), *env.Devices[0].LastDataMs)
}

func TestRoster_ScopesDevicesByTenantAndGateway(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRoster(pub)
	a := model.DeviceKey{TenantID: "T1", GatewayID: "G1", DeviceType: "robot-fanuc", DeviceID: "R1"}
	b := model.DeviceKey{TenantID: "T2", GatewayID: "G2", DeviceType: "robot-fanuc", DeviceID: "R2"}

	r.Register(context.Background(), DeviceInfo{Key: a})
	r.Register(context.Background(), DeviceInfo{Key: b})

	require.Equal(t, 2, pub.count())

	var env rosterEnvelope
	require.NoError(t, json.Unmarshal(pub.last().payload, &env))
	require.Len(t, env.Devices, 1)
	assert.Equal(t, "R2", env.Devices[0].DeviceID)
	assert.Equal(t, "T2", env.TenantID)
	assert.Equal(t, "G2", env.GatewayID)
}
