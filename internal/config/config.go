// Package config handles vrm-cloud-mqtt configuration loading.
//
// Configuration comes from a YAML file, from VRM_*-prefixed environment
// variables, or both. Environment variables always win over file values,
// and the bridge runs with no config file at all when the environment
// carries the required settings (the usual arrangement inside a Home
// Assistant add-on container).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vrm-cloud-mqtt/config.yaml,
// /etc/vrm-cloud-mqtt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vrm-cloud-mqtt", "config.yaml"))
	}

	paths = append(paths, "/etc/vrm-cloud-mqtt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all vrm-cloud-mqtt configuration.
type Config struct {
	VRM             VRMConfig  `yaml:"vrm"`
	MQTT            MQTTConfig `yaml:"mqtt"`
	PollIntervalSec int        `yaml:"poll_interval_sec"`
	DataDir         string     `yaml:"data_dir"`
	LogLevel        string     `yaml:"log_level"`
	LogFormat       string     `yaml:"log_format"`
	Debug           bool       `yaml:"debug"`
}

// VRMConfig defines the VRM cloud API account and token settings.
type VRMConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// APIURL overrides the VRM API base URL. Leave empty for the
	// production endpoint; tests point it at a local fake.
	APIURL string `yaml:"api_url"`
	// SiteID is reserved for future per-site filtering. Polling
	// currently enumerates every installation on the account.
	SiteID string `yaml:"site_id"`
	// TokenName is the display name of the access token the bridge
	// creates on the VRM account.
	TokenName string `yaml:"token_name"`
	// RevokeDuplicateToken lets the bridge revoke an existing access
	// token whose name collides with TokenName instead of refusing to
	// start. Off by default so the bridge never silently churns
	// credentials on the remote account.
	RevokeDuplicateToken bool `yaml:"revoke_duplicate_token"`
	HTTPTimeoutSec       int  `yaml:"http_timeout_sec"`
}

// MQTTConfig defines the broker connection and topic settings.
type MQTTConfig struct {
	// Host is the broker hostname, or a full URL (mqtt://, mqtts://,
	// ws://). A bare hostname is combined with Port under the mqtt
	// scheme.
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Topic             string `yaml:"topic"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// BrokerURL returns the broker URL for the configured host and port.
// A Host that already carries a scheme is returned unchanged.
func (m MQTTConfig) BrokerURL() string {
	if strings.Contains(m.Host, "://") {
		return m.Host
	}
	return fmt.Sprintf("mqtt://%s:%d", m.Host, m.Port)
}

// ConnectTimeout returns the initial broker connect wait as a duration.
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSec) * time.Second
}

// HTTPTimeout returns the outbound VRM request timeout as a duration.
func (v VRMConfig) HTTPTimeout() time.Duration {
	return time.Duration(v.HTTPTimeoutSec) * time.Second
}

// PollInterval returns the polling cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// overlays VRM_* environment variables, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables referenced inside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// FromEnv builds a configuration purely from VRM_* environment variables
// and defaults, for deployments that ship no config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// envString overrides dst with the named variable when it is set.
func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

// applyEnv overlays VRM_* environment variables onto cfg. Malformed
// numeric or boolean values are reported rather than ignored so a typo
// in a unit file fails loudly at startup.
func applyEnv(cfg *Config) error {
	envString("VRM_USERNAME", &cfg.VRM.Username)
	envString("VRM_PASSWORD", &cfg.VRM.Password)
	envString("VRM_API_URL", &cfg.VRM.APIURL)
	envString("VRM_SITE_ID", &cfg.VRM.SiteID)
	envString("VRM_TOKEN_NAME", &cfg.VRM.TokenName)
	envString("VRM_MQTT_HOST", &cfg.MQTT.Host)
	envString("VRM_MQTT_TOPIC", &cfg.MQTT.Topic)
	envString("VRM_MQTT_USERNAME", &cfg.MQTT.Username)
	envString("VRM_MQTT_PASSWORD", &cfg.MQTT.Password)
	envString("VRM_DATA_DIR", &cfg.DataDir)
	envString("VRM_LOG_LEVEL", &cfg.LogLevel)
	envString("VRM_LOG_FORMAT", &cfg.LogFormat)

	ints := []struct {
		name string
		dst  *int
	}{
		{"VRM_HTTP_TIMEOUT", &cfg.VRM.HTTPTimeoutSec},
		{"VRM_MQTT_PORT", &cfg.MQTT.Port},
		{"VRM_MQTT_CONNECT_TIMEOUT", &cfg.MQTT.ConnectTimeoutSec},
		{"VRM_POLL_INTERVAL", &cfg.PollIntervalSec},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", e.name, v)
		}
		*e.dst = n
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"VRM_REVOKE_DUPLICATE_TOKEN", &cfg.VRM.RevokeDuplicateToken},
		{"VRM_DEBUG", &cfg.Debug},
	}
	for _, e := range bools {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", e.name, v)
		}
		*e.dst = b
	}

	return nil
}

// applyDefaults fills zero-value fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.VRM.APIURL == "" {
		cfg.VRM.APIURL = "https://vrmapi.victronenergy.com/v2"
	}
	if cfg.VRM.TokenName == "" {
		cfg.VRM.TokenName = "vrm-cloud-mqtt"
	}
	if cfg.VRM.HTTPTimeoutSec <= 0 {
		cfg.VRM.HTTPTimeoutSec = 30
	}
	if cfg.MQTT.Port <= 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "vrm/cloud"
	}
	if cfg.MQTT.ConnectTimeoutSec <= 0 {
		cfg.MQTT.ConnectTimeoutSec = 10
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 60
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

// Validate reports the first problem that would prevent the bridge from
// serving. Call it after Load or FromEnv, before constructing components.
func (c *Config) Validate() error {
	if c.VRM.Username == "" {
		return fmt.Errorf("vrm.username is required (VRM_USERNAME)")
	}
	if c.VRM.Password == "" {
		return fmt.Errorf("vrm.password is required (VRM_PASSWORD)")
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required (VRM_MQTT_HOST)")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
