package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanEnvelope_DefaultsKindToTelemetry(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{"di":[1]}`))
	require.NoError(t, err)
	assert.Equal(t, kindTelemetry, env.Kind)
}

func TestParsePlanEnvelope_PreservesExplicitKind(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{"kind":"machineData"}`))
	require.NoError(t, err)
	assert.Equal(t, kindMachineData, env.Kind)
}

func TestParsePlanEnvelope_MissingArrayFieldsDecodeAsNilNotError(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, env.DI)
	assert.Nil(t, env.GI)
	assert.Nil(t, env.GO)
	assert.Nil(t, env.DO)
	assert.Nil(t, env.R)
	assert.Nil(t, env.VAR)
	assert.Nil(t, env.Items)
	assert.Nil(t, env.PeriodMs)
}

func TestParsePlanEnvelope_MalformedJSONReturnsError(t *testing.T) {
	_, err := parsePlanEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestPlanEnvelope_TelemetryPlanConvertsFieldsVerbatim(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{"di":[105,113],"gi":[1],"var":["tag1"]}`))
	require.NoError(t, err)

	plan := env.telemetryPlan()
	assert.Equal(t, []int{105, 113}, plan.DI)
	assert.Equal(t, []int{1}, plan.GI)
	assert.Equal(t, []string{"tag1"}, plan.VAR)
	assert.Nil(t, plan.GO)
}

func TestPlanEnvelope_TelemetryPlanWithEmptyEnvelopeHasNoFields(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{}`))
	require.NoError(t, err)

	plan := env.telemetryPlan()
	assert.Nil(t, plan.DI)
	assert.Nil(t, plan.GI)
	assert.Nil(t, plan.GO)
	assert.Nil(t, plan.DO)
	assert.Nil(t, plan.R)
	assert.Nil(t, plan.VAR)
}

func TestPlanEnvelope_MachineDataPlanConvertsItems(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{"kind":"machineData","items":[{"path":"PartCount"},{"path":"Station1Status","expand":"udt"}]}`))
	require.NoError(t, err)

	plan := env.machineDataPlan()
	require.Len(t, plan.Items, 2)
	assert.Equal(t, "PartCount", plan.Items[0].Path)
	assert.Equal(t, "", plan.Items[0].Expand)
	assert.Equal(t, "Station1Status", plan.Items[1].Path)
	assert.Equal(t, "udt", plan.Items[1].Expand)
}

func TestPlanEnvelope_MachineDataPlanWithNoItemsIsEmptyNotNil(t *testing.T) {
	env, err := parsePlanEnvelope([]byte(`{"kind":"machineData"}`))
	require.NoError(t, err)

	plan := env.machineDataPlan()
	assert.Empty(t, plan.Items)
}
