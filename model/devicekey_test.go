package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceKey_String(t *testing.T) {
	k := DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "R1", DeviceType: "robot-fanuc"}
	assert.Equal(t, "t1/g1/robot-fanuc/R1", k.String())
}

func TestDeviceKey_Equal(t *testing.T) {
	a := DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "R1", DeviceType: "robot-fanuc"}
	b := DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "R1", DeviceType: "robot-fanuc"}
	c := DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "R2", DeviceType: "robot-fanuc"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestDeviceKey_UsableAsMapKey(t *testing.T) {
	m := map[DeviceKey]bool{}
	k := DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "R1", DeviceType: "robot-fanuc"}
	m[k] = true

	same := DeviceKey{TenantID: "t1", GatewayID: "g1", DeviceID: "R1", DeviceType: "robot-fanuc"}
	assert.True(t, m[same])
}
