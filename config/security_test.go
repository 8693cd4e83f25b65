package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateJSONDepth_AcceptsShallowJSON(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":{"b":[1,2,3]}}`)))
}

func TestValidateJSONDepth_RejectsExcessiveNesting(t *testing.T) {
	nested := strings.Repeat("{\"a\":", maxJSONDepth+1) + "1" + strings.Repeat("}", maxJSONDepth+1)
	assert.Error(t, validateJSONDepth([]byte(nested)))
}

func TestValidateJSONDepth_RejectsUnbalancedBrackets(t *testing.T) {
	assert.Error(t, validateJSONDepth([]byte(`{"a":1`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a":1}}`)))
}

func TestValidateJSONDepth_IgnoresBracesInsideStrings(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":"{{{{not real nesting}}}}"}`)))
}

func TestValidateEnvVar_RejectsNullByte(t *testing.T) {
	assert.Error(t, validateEnvVar("X", "bad\x00value"))
}

func TestValidateEnvVar_AcceptsOrdinaryValue(t *testing.T) {
	assert.NoError(t, validateEnvVar("X", "mqtt.example.com"))
}

func TestValidateConfigPath_RejectsUnrecognizedSuffix(t *testing.T) {
	assert.Error(t, validateConfigPath("/tmp/config.toml"))
}

func TestValidateConfigPath_AcceptsYAMLSuffix(t *testing.T) {
	assert.NoError(t, validateConfigPath("config.yaml"))
}

func TestValidateConfigPath_RejectsEmptyPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
}
