package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultEnvPrefix = "TWINSYNC"

// Loader loads and merges JSON configuration layers, then applies
// environment-variable overrides on top.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader constructs a Loader with validation disabled by default.
func NewLoader() *Loader {
	return &Loader{envPrefix: defaultEnvPrefix}
}

// AddLayer appends a JSON config file to be merged, later layers
// overriding earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation turns Config.Validate() on or off at the end of Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file as the only layer.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from built-in defaults, merges every added layer in order,
// applies environment overrides, then validates if enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		raw, err := l.loadRawConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (l *Loader) getDefaults() *Config {
	return &Config{
		Version: "1.0.0",
		MQTT: MQTTConfig{
			Port:          8883,
			ReconnectWait: 2 * time.Second,
			PublishPeriod: 30 * time.Millisecond,
		},
	}
}

// loadRawConfig reads one config layer into a generic map, ready for
// deep-merging. JSON is the canonical format; YAML is accepted at this
// same boundary for operators who keep their device fleet inventory in
// YAML (as is common for fleet-definition files), and is converted to
// the identical map shape before merging so the rest of the pipeline
// never has to know which format a layer came from.
func (l *Loader) loadRawConfig(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML structure: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	l.parseDurations(raw)
	return raw, nil
}

// parseDurations rewrites "2s"-style duration strings in the mqtt block and
// in each device's robot block to nanoseconds so they decode cleanly into
// time.Duration fields.
func (l *Loader) parseDurations(data map[string]any) {
	mqtt, ok := data["mqtt"].(map[string]any)
	if !ok {
		return
	}
	for _, key := range []string{"reconnect_wait", "publish_period"} {
		if s, ok := mqtt[key].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				mqtt[key] = d.Nanoseconds()
			}
		}
	}
	devices, _ := data["devices"].([]any)
	for _, dev := range devices {
		devMap, ok := dev.(map[string]any)
		if !ok {
			continue
		}
		for _, block := range []string{"robot"} {
			robot, ok := devMap[block].(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"connect_timeout", "read_timeout"} {
				if s, ok := robot[key].(string); ok {
					if d, err := time.ParseDuration(s); err == nil {
						robot[key] = d.Nanoseconds()
					}
				}
			}
		}
	}
}

// mergeFromMap deep-merges override on top of base, only touching keys
// actually present in the override map — a field base already set is
// never clobbered by a later layer's zero value.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	merged := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	var cfg Config
	if err := json.Unmarshal(mergedJSON, &cfg); err != nil {
		return base
	}
	return &cfg
}

func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies TWINSYNC_*-prefixed environment overrides for
// the handful of settings operators most often need to change per
// deployment without editing a config file (credentials, broker address).
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_PLATFORM_TENANT_ID"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_PLATFORM_TENANT_ID", val); err == nil {
			cfg.Platform.TenantID = val
		}
	}
	if val := os.Getenv(l.envPrefix + "_PLATFORM_GATEWAY_ID"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_PLATFORM_GATEWAY_ID", val); err == nil {
			cfg.Platform.GatewayID = val
		}
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_HOST"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_MQTT_HOST", val); err == nil {
			cfg.MQTT.Host = val
		}
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.MQTT.Port = port
		}
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_USERNAME"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_MQTT_USERNAME", val); err == nil {
			cfg.MQTT.Username = val
		}
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_PASSWORD"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_MQTT_PASSWORD", val); err == nil {
			cfg.MQTT.Password = val
		}
	}
}

// validateEnvVar rejects env values that are implausibly long or carry a
// null byte, without imposing any further format opinion — operators know
// what they're setting.
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}
