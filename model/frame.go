package model

// FrameKind discriminates the Frame sum type.
type FrameKind int

const (
	FrameKindTelemetry FrameKind = iota
	FrameKindPlc
)

// Frame is one sampled snapshot from a device: either a TelemetryFrame
// (robot) or a PlcFrame (PLC). Both carry a monotonically increasing
// per-session sequence number starting at 1. Payload returns the
// JSON-serializable shape used for the data-topic envelope's "payload"
// field — the egress serializer calls Payload and never switches on the
// concrete frame type.
type Frame interface {
	Kind() FrameKind
	Timestamp() int64
	Sequence() int64
	Payload() any
}

// RealValue is the {intVal, realVal} pair carried by a telemetry frame's R
// field; malformed "k:ERR" entries are skipped upstream and never reach
// this type.
type RealValue struct {
	I int     `json:"i"`
	R float64 `json:"r"`
}

// TelemetryFrame is one sampled snapshot from a robot session.
type TelemetryFrame struct {
	Ts  int64
	Seq int64

	JointsDeg []float64 // len 6 when present, nil otherwise
	DI        map[int]int
	GI        map[int]int
	GO        map[int]int
	DO        map[int]int
	R         map[int]RealValue
	VAR       map[string]string
}

func (f TelemetryFrame) Kind() FrameKind  { return FrameKindTelemetry }
func (f TelemetryFrame) Timestamp() int64 { return f.Ts }
func (f TelemetryFrame) Sequence() int64  { return f.Seq }

type telemetryPayload struct {
	J  []float64          `json:"j,omitempty"`
	DI map[int]int        `json:"di,omitempty"`
	GI map[int]int        `json:"gi,omitempty"`
	GO map[int]int        `json:"go,omitempty"`
	DO map[int]int        `json:"do,omitempty"`
	R  map[int]RealValue  `json:"r,omitempty"`
	V  map[string]string  `json:"v,omitempty"`
}

func (f TelemetryFrame) Payload() any {
	return telemetryPayload{
		J: f.JointsDeg, DI: f.DI, GI: f.GI, GO: f.GO, DO: f.DO, R: f.R, V: f.VAR,
	}
}

// PlcFrame is one sampled snapshot from a PLC session, keyed by the union
// plan's item path strings (preserving the user's original path casing).
type PlcFrame struct {
	Ts     int64
	Seq    int64
	Values map[string]PlcValue
}

func (f PlcFrame) Kind() FrameKind  { return FrameKindPlc }
func (f PlcFrame) Timestamp() int64 { return f.Ts }
func (f PlcFrame) Sequence() int64  { return f.Seq }

type plcPayload struct {
	Values map[string]PlcValue `json:"values"`
}

func (f PlcFrame) Payload() any {
	return plcPayload{Values: f.Values}
}
