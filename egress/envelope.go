package egress

import "github.com/twinsync/gateway/model"

// dataEnvelope is the outbound shape published on the data topic. pubSeq is
// the pump's own publish counter, distinct from a frame's session-local
// Sequence() — it lets a subscriber detect pump-level gaps independent of
// device-level ones.
type dataEnvelope struct {
	PubSeq     int64  `json:"pubSeq"`
	Ts         int64  `json:"ts"`
	FrameSeq   int64  `json:"frameSeq"`
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
	Payload    any    `json:"payload"`
}

func newDataEnvelope(pubSeq int64, key model.DeviceKey, frame model.Frame) dataEnvelope {
	return dataEnvelope{
		PubSeq:     pubSeq,
		Ts:         frame.Timestamp(),
		FrameSeq:   frame.Sequence(),
		DeviceType: key.DeviceType,
		DeviceID:   key.DeviceID,
		Payload:    frame.Payload(),
	}
}

func dataTopic(key model.DeviceKey) string {
	return "twinsync/" + key.TenantID + "/" + key.GatewayID + "/data/" + key.DeviceType + "/" + key.DeviceID
}
