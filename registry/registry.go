// Package registry holds the gateway's single DeviceKey -> PlanTarget
// lookup. It has no mutable state of its own beyond the map: the ingress
// router resolves inbound plan/heartbeat/leave traffic through it, and the
// gateway wiring registers each session here after constructing it.
// Sessions hold no reference to the registry.
package registry

import (
	"context"
	"sync"

	"github.com/twinsync/gateway/model"
)

// PlanTarget is the common surface both RobotSession and PlcSession
// expose to the ingress router. A plan of the kind a target doesn't
// support is a no-op on that target, not an error.
type PlanTarget interface {
	Key() model.DeviceKey
	TouchUser(user string)
	RemoveUser(ctx context.Context, user string)
	ApplyTelemetryPlan(ctx context.Context, user string, plan model.TelemetryPlan)
	ApplyMachineDataPlan(ctx context.Context, user string, plan model.MachineDataPlan)
}

// Registry is a concurrency-safe DeviceKey -> PlanTarget lookup.
type Registry struct {
	mu      sync.RWMutex
	targets map[model.DeviceKey]PlanTarget
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{targets: make(map[model.DeviceKey]PlanTarget)}
}

// Register adds or replaces the target for its own key.
func (r *Registry) Register(target PlanTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[target.Key()] = target
}

// Unregister removes any target registered for key.
func (r *Registry) Unregister(key model.DeviceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, key)
}

// Resolve looks up the target for key. The second return value is false
// if no session is currently registered for it.
func (r *Registry) Resolve(key model.DeviceKey) (PlanTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.targets[key]
	return target, ok
}

// Keys returns every currently registered device key, for roster
// publication.
func (r *Registry) Keys() []model.DeviceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.DeviceKey, 0, len(r.targets))
	for k := range r.targets {
		out = append(out, k)
	}
	return out
}
