package ingress

import (
	"encoding/json"

	"github.com/twinsync/gateway/errors"
	"github.com/twinsync/gateway/model"
)

const (
	kindTelemetry   = "telemetry"
	kindMachineData = "machineData"
)

// planEnvelope mirrors the inbound plan JSON payload. Every array field
// is optional — a missing field decodes to a nil slice, which behaves as
// empty everywhere it's consumed, never as a null-pointer error.
type planEnvelope struct {
	Kind     string         `json:"kind"`
	DI       []int          `json:"di"`
	GI       []int          `json:"gi"`
	GO       []int          `json:"go"`
	DO       []int          `json:"do"`
	R        []int          `json:"r"`
	VAR      []string       `json:"var"`
	PeriodMs *int           `json:"periodMs"`
	Items    []itemEnvelope `json:"items"`
}

type itemEnvelope struct {
	Path   string `json:"path"`
	Expand string `json:"expand"`
}

func parsePlanEnvelope(payload []byte) (planEnvelope, error) {
	var env planEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return planEnvelope{}, errors.WrapInvalid(err, "ingress", "parsePlanEnvelope", "unmarshal")
	}
	if env.Kind == "" {
		env.Kind = kindTelemetry
	}
	return env, nil
}

func (e planEnvelope) telemetryPlan() model.TelemetryPlan {
	return model.TelemetryPlan{DI: e.DI, GI: e.GI, GO: e.GO, DO: e.DO, R: e.R, VAR: e.VAR}
}

func (e planEnvelope) machineDataPlan() model.MachineDataPlan {
	items := make([]model.MachineDataItem, len(e.Items))
	for i, it := range e.Items {
		items[i] = model.MachineDataItem{Path: it.Path, Expand: it.Expand}
	}
	return model.MachineDataPlan{Items: items}
}
