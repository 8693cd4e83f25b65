// Package config defines the gateway's configuration shape and a
// thread-safe wrapper for hot-reloading it, plus a layered JSON loader with
// environment-variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode"

	"github.com/twinsync/gateway/pkg/security"
)

// Config is the gateway's complete runtime configuration.
type Config struct {
	Version  string          `json:"version"` // semver, informational only
	Platform PlatformConfig  `json:"platform"`
	Security security.Config `json:"security,omitempty"`
	MQTT     MQTTConfig      `json:"mqtt"`
	Devices  []DeviceConfig  `json:"devices"`
}

// PlatformConfig identifies this gateway instance: every ingress topic and
// egress publish this process handles is scoped under tenant/gateway.
type PlatformConfig struct {
	TenantID    string `json:"tenant_id"`
	GatewayID   string `json:"gateway_id"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// MQTTConfig describes the single upstream broker connection shared by
// every session and the egress pump.
type MQTTConfig struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	ClientID         string        `json:"client_id,omitempty"`
	Username         string        `json:"username,omitempty"`
	Password         string        `json:"password,omitempty"`
	ReconnectWait    time.Duration `json:"reconnect_wait,omitempty"`
	PublishPeriod    time.Duration `json:"publish_period,omitempty"`
	PublishRateLimit float64       `json:"publish_rate_limit,omitempty"` // messages/sec across all devices, 0 disables
	PublishRateBurst int           `json:"publish_rate_burst,omitempty"`
	HandlerRateLimit float64       `json:"handler_rate_limit,omitempty"` // ingress messages/sec per device key, 0 uses the router default
	HandlerRateBurst int           `json:"handler_rate_burst,omitempty"`
}

// DeviceConfig describes one device this gateway owns a session for.
// Unless Simulate is set, the block matching Kind (Robot or Plc) must be set.
type DeviceConfig struct {
	DeviceID    string `json:"device_id"`
	DeviceType  string `json:"device_type"`
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind"` // "robot" or "plc"
	Simulate    bool   `json:"simulate,omitempty"`

	Robot *RobotConfig `json:"robot,omitempty"`
	Plc   *PlcConfig   `json:"plc,omitempty"`
}

// RobotConfig configures a line-oriented robot transport connection.
type RobotConfig struct {
	IP             string        `json:"ip"`
	Port           int           `json:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	ReadTimeout    time.Duration `json:"read_timeout,omitempty"`
}

// PlcConfig configures a binary tag-read PLC transport connection.
type PlcConfig struct {
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	Slot             int    `json:"slot,omitempty"`
	PlcType          string `json:"plc_type,omitempty"`
	Path             string `json:"path,omitempty"`
	DefaultPeriodMs  int    `json:"default_period_ms,omitempty"`
	TimeoutMs        int    `json:"timeout_ms,omitempty"`
	MaxItems         int    `json:"max_items,omitempty"`
	MaxArrayElements int    `json:"max_array_elements,omitempty"`
	MaxStructFields  int    `json:"max_struct_fields,omitempty"`
}

// SafeConfig provides thread-safe access to a Config, for hot-reloading
// without a restart.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg is treated as an empty Config.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates cfg and, if it passes, atomically replaces the current
// configuration.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone deep-copies c via a JSON round-trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks structural invariants: platform identity is present and
// safe as an MQTT topic segment (it flows directly into every MQTT topic this gateway
// publishes or subscribes to), the broker host is set, and every device
// entry carries the config matching its declared kind.
func (c *Config) Validate() error {
	if c.Platform.TenantID == "" {
		return errors.New("platform.tenant_id is required")
	}
	if !isValidTopicSegment(c.Platform.TenantID) {
		return fmt.Errorf("platform.tenant_id %q is not a valid MQTT topic segment", c.Platform.TenantID)
	}
	if c.Platform.GatewayID == "" {
		return errors.New("platform.gateway_id is required")
	}
	if !isValidTopicSegment(c.Platform.GatewayID) {
		return fmt.Errorf("platform.gateway_id %q is not a valid MQTT topic segment", c.Platform.GatewayID)
	}

	if c.MQTT.Host == "" {
		return errors.New("mqtt.host is required")
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("devices[%d]: device_id is required", i)
		}
		if seen[d.DeviceID] {
			return fmt.Errorf("devices[%d]: duplicate device_id %q", i, d.DeviceID)
		}
		seen[d.DeviceID] = true

		switch d.Kind {
		case "robot":
			if !d.Simulate && d.Robot == nil {
				return fmt.Errorf("devices[%d] (%s): kind=robot requires a robot block unless simulate=true", i, d.DeviceID)
			}
		case "plc":
			if !d.Simulate && d.Plc == nil {
				return fmt.Errorf("devices[%d] (%s): kind=plc requires a plc block unless simulate=true", i, d.DeviceID)
			}
		default:
			return fmt.Errorf("devices[%d] (%s): kind must be \"robot\" or \"plc\", got %q", i, d.DeviceID, d.Kind)
		}
	}

	return nil
}

// isValidTopicSegment reports whether s is safe to splice directly into an
// MQTT topic: alphanumeric plus dash/underscore/dot, never empty and never
// containing a topic separator or wildcard.
func isValidTopicSegment(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func (c *Config) validateSecurity() error {
	if c.Security.TLS.Client.MinVersion != "" {
		if err := validateTLSVersion(c.Security.TLS.Client.MinVersion); err != nil {
			return fmt.Errorf("tls.client.min_version: %w", err)
		}
	}

	mtls := c.Security.TLS.Client.MTLS
	if mtls.Enabled {
		if mtls.CertFile == "" {
			return errors.New("tls.client.mtls.cert_file is required when mtls is enabled")
		}
		if mtls.KeyFile == "" {
			return errors.New("tls.client.mtls.key_file is required when mtls is enabled")
		}
		if _, err := os.Stat(mtls.CertFile); err != nil {
			return fmt.Errorf("tls.client.mtls.cert_file: %w", err)
		}
		if _, err := os.Stat(mtls.KeyFile); err != nil {
			return fmt.Errorf("tls.client.mtls.key_file: %w", err)
		}
	}

	for i, caFile := range c.Security.TLS.Client.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return fmt.Errorf("tls.client.ca_files[%d]: %w", i, err)
		}
	}

	if c.Security.TLS.Client.InsecureSkipVerify {
		_, _ = fmt.Fprintln(os.Stderr, "WARNING: TLS certificate verification is disabled (insecure_skip_verify=true). Development/testing only.")
	}

	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// SaveToFile writes c as indented JSON with secure permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return safeWriteFile(path, data)
}

// String renders a short human-readable identity summary, safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("Config{tenant=%s gateway=%s mqtt=%s:%d devices=%d}",
		c.Platform.TenantID, c.Platform.GatewayID, c.MQTT.Host, c.MQTT.Port, len(c.Devices))
}
