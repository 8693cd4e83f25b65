package model

import "time"

// TelemetryFieldCap is the hard per-field cap on a robot session's union
// plan: DI, GI, GO, DO, R and VAR are each truncated to this many entries.
const TelemetryFieldCap = 10

// ExpandUDT marks a MachineDataItem whose path should be resolved to its
// UDT member list and read as a PlcValue.Struct.
const ExpandUDT = "udt"

// MachineDataMaxItems is the default cap on a PLC session's union item
// list.
const MachineDataMaxItems = 50

// TelemetryPlan is one user's declarative subscription to a robot's
// signals. DI, GI, GO, DO and R are positive register indices; VAR is a
// set of non-empty trimmed variable names.
type TelemetryPlan struct {
	DI  []int
	GI  []int
	GO  []int
	DO  []int
	R   []int
	VAR []string
}

// MachineDataItem is one path a user wants read from a PLC, optionally
// expanded as a UDT struct or an array range embedded in Path (e.g.
// "Line1.Parts[0..9]").
type MachineDataItem struct {
	Path   string
	Expand string // "" or ExpandUDT
}

// MachineDataPlan is one user's declarative subscription to a PLC's tags.
type MachineDataPlan struct {
	Items []MachineDataItem
}

// UserPlanState is a session's record of one user's plan and the time it
// was last seen alive, either by applying a new plan or by heartbeat.
type UserPlanState[P any] struct {
	Plan        P
	LastSeenUTC time.Time
}
