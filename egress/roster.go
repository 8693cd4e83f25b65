package egress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/twinsync/gateway/model"
)

const (
	rosterQoS    byte = 1
	rosterRetain      = true
)

// DeviceInfo is the static metadata a device contributes to the roster,
// supplied at registration time from its transport configuration.
type DeviceInfo struct {
	Key            model.DeviceKey
	DisplayName    string
	ConnectionType string
}

type rosterEntry struct {
	info       DeviceInfo
	status     model.DeviceStatus
	lastDataMs int64 // 0 means "never"
}

type deviceEntry struct {
	DeviceID       string `json:"deviceId"`
	DeviceType     string `json:"deviceType"`
	DisplayName    string `json:"displayName"`
	Status         string `json:"status"`
	ConnectionType string `json:"connectionType"`
	LastDataMs     *int64 `json:"lastDataMs,omitempty"`
}

type rosterEnvelope struct {
	Ts        int64         `json:"ts"`
	TenantID  string        `json:"tenantId"`
	GatewayID string        `json:"gatewayId"`
	Devices   []deviceEntry `json:"devices"`
}

type gatewayScope struct {
	tenantID  string
	gatewayID string
}

// Roster tracks every registered device's status and publishes a
// retained snapshot, scoped per tenant+gateway, whenever the device set
// or any device's status changes.
type Roster struct {
	mu        sync.Mutex
	devices   map[model.DeviceKey]*rosterEntry
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRoster constructs a Roster publishing through publisher.
func NewRoster(publisher Publisher) *Roster {
	return &Roster{
		devices:   make(map[model.DeviceKey]*rosterEntry),
		publisher: publisher,
		logger:    slog.Default().With("component", "egress_roster"),
		now:       time.Now,
	}
}

// Register adds a device in Disconnected status and republishes its
// gateway scope.
func (r *Roster) Register(ctx context.Context, info DeviceInfo) {
	r.mu.Lock()
	r.devices[info.Key] = &rosterEntry{info: info, status: model.Disconnected}
	scope := scopeOf(info.Key)
	r.mu.Unlock()
	r.publishScope(ctx, scope)
}

// Unregister removes a device and republishes its gateway scope.
func (r *Roster) Unregister(ctx context.Context, key model.DeviceKey) {
	r.mu.Lock()
	if _, ok := r.devices[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.devices, key)
	scope := scopeOf(key)
	r.mu.Unlock()
	r.publishScope(ctx, scope)
}

// UpdateStatus records a device's new lifecycle status and republishes
// its gateway scope only if the status actually changed.
func (r *Roster) UpdateStatus(ctx context.Context, key model.DeviceKey, status model.DeviceStatus) {
	r.mu.Lock()
	entry, ok := r.devices[key]
	if !ok || entry.status == status {
		r.mu.Unlock()
		return
	}
	entry.status = status
	scope := scopeOf(key)
	r.mu.Unlock()
	r.publishScope(ctx, scope)
}

// RecordFrame updates a device's last-seen-data timestamp without
// triggering a publish; it rides along on the next status-driven one.
func (r *Roster) RecordFrame(key model.DeviceKey, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.devices[key]; ok {
		entry.lastDataMs = ts.UnixMilli()
	}
}

func scopeOf(key model.DeviceKey) gatewayScope {
	return gatewayScope{tenantID: key.TenantID, gatewayID: key.GatewayID}
}

func (r *Roster) publishScope(ctx context.Context, scope gatewayScope) {
	env := r.buildEnvelope(scope)
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to marshal device roster", "tenant", scope.tenantID, "gateway", scope.gatewayID, "error", err)
		return
	}
	topic := "twinsync/" + scope.tenantID + "/" + scope.gatewayID + "/devices"
	if err := r.publisher.Publish(ctx, topic, payload, rosterQoS, rosterRetain); err != nil {
		r.logger.Warn("device roster publish failed", "tenant", scope.tenantID, "gateway", scope.gatewayID, "error", err)
	}
}

func (r *Roster) buildEnvelope(scope gatewayScope) rosterEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := rosterEnvelope{
		Ts:        r.now().UnixMilli(),
		TenantID:  scope.tenantID,
		GatewayID: scope.gatewayID,
	}
	for key, entry := range r.devices {
		if scopeOf(key) != scope {
			continue
		}
		de := deviceEntry{
			DeviceID:       key.DeviceID,
			DeviceType:     key.DeviceType,
			DisplayName:    entry.info.DisplayName,
			Status:         entry.status.String(),
			ConnectionType: entry.info.ConnectionType,
		}
		if entry.lastDataMs != 0 {
			lastDataMs := entry.lastDataMs
			de.LastDataMs = &lastDataMs
		}
		env.Devices = append(env.Devices, de)
	}
	return env
}
