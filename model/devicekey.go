package model

import "fmt"

// DeviceKey is the immutable address of one device instance: the routing
// key used by both the ingress router and the egress pump.
type DeviceKey struct {
	TenantID   string
	GatewayID  string
	DeviceID   string
	DeviceType string
}

// String returns the canonical form "{tenantId}/{gatewayId}/{deviceType}/{deviceId}".
func (k DeviceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.GatewayID, k.DeviceType, k.DeviceID)
}

// Equal reports whether two keys address the same device, component-wise.
func (k DeviceKey) Equal(other DeviceKey) bool {
	return k == other
}
