package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryFrame_PayloadOmitsEmptyFields(t *testing.T) {
	f := TelemetryFrame{
		Ts:  1000,
		Seq: 1,
		DI:  map[int]int{105: 1},
	}

	data, err := json.Marshal(f.Payload())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Contains(t, decoded, "di")
	assert.NotContains(t, decoded, "gi")
	assert.NotContains(t, decoded, "j")
}

func TestTelemetryFrame_Accessors(t *testing.T) {
	var f Frame = TelemetryFrame{Ts: 1234, Seq: 5}
	assert.Equal(t, FrameKindTelemetry, f.Kind())
	assert.Equal(t, int64(1234), f.Timestamp())
	assert.Equal(t, int64(5), f.Sequence())
}

func TestPlcFrame_PayloadSerializesValuesByPath(t *testing.T) {
	f := PlcFrame{
		Ts:  2000,
		Seq: 3,
		Values: map[string]PlcValue{
			"Program:MainProgram.PartCount": NewInt32Value(17),
		},
	}

	var fr Frame = f
	assert.Equal(t, FrameKindPlc, fr.Kind())

	data, err := json.Marshal(f.Payload())
	require.NoError(t, err)
	assert.Contains(t, string(data), "Program:MainProgram.PartCount")
}
