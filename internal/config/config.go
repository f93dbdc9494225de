package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
)

// ErrConfigMissing means a value the process cannot run without is absent.
var ErrConfigMissing = fmt.Errorf("config is missing required values")

// Device retry strategies.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// DeviceConfig - serial link to the strip
type DeviceConfig struct {
	Path           string  `json:"path"`
	LEDCount       int     `json:"led_count"`
	BaudRate       int     `json:"baud_rate"`
	Backoff        string  `json:"backoff"` // constant | exponential
	RetryDelay     string  `json:"retry_delay"`
	MaxRetryDelay  string  `json:"max_retry_delay"`
	ReadTimeout    string  `json:"read_timeout"`
	WriteRateLimit float64 `json:"write_rate_limit"`
	WriteRateBurst int     `json:"write_rate_burst"`
}

// StripConfig - transition and refresh cadence
type StripConfig struct {
	RefreshInterval  string `json:"refresh_interval"`
	BusyPollInterval string `json:"busy_poll_interval"`
	TransitionSteps  int    `json:"transition_steps"`
	StepInterval     string `json:"step_interval"`
}

// ServerConfig - local websocket socket
type ServerConfig struct {
	Port           string   `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MQTTConfig - cloud bridge and Home Assistant discovery
type MQTTConfig struct {
	Enabled            bool   `json:"enabled"`
	Broker             string `json:"broker"` // tcp://IP:PORT
	Username           string `json:"username"`
	Password           string `json:"password"`
	ClientID           string `json:"client_id"`
	TopicPrefix        string `json:"topic_prefix"`
	HADiscoveryEnabled bool   `json:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `json:"ha_discovery_prefix"`
}

// WatchdogConfig - connectivity check
type WatchdogConfig struct {
	Disabled bool   `json:"disabled"`
	Target   string `json:"target"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

// Config - top level
type Config struct {
	Device   DeviceConfig   `json:"device"`
	Strip    StripConfig    `json:"strip"`
	Server   ServerConfig   `json:"server"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Watchdog WatchdogConfig `json:"watchdog"`

	// File system settings
	PatternsDir   string `json:"patterns_dir"`
	SchedulesFile string `json:"schedules_file"`
	StateFile     string `json:"state_file"`

	LogLevel string `json:"log_level"`
}

// Load reads the optional JSON file, applies environment overrides, fills in
// defaults and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WithStackTrace(fmt.Errorf("failed to decode config '%s': %w", path, err))
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.WithStackTrace(fmt.Errorf("failed to open config file '%s': %w", path, err))
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	lookup := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v
			}
		}
		return ""
	}

	if v := lookup("SERIAL_PORT"); v != "" {
		c.Device.Path = v
	}
	if v := lookup("LED_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: LED_COUNT %q is not a number", ErrConfigMissing, v)
		}
		c.Device.LEDCount = n
	}
	if v := lookup("REMOTE_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := lookup("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := lookup("CLOUD_KEY", "SINRIC_KEY"); v != "" {
		c.MQTT.Username = v
		c.MQTT.Enabled = true
	}
	if v := lookup("CLOUD_SECRET", "SINRIC_SECRET"); v != "" {
		c.MQTT.Password = v
	}
	if v := lookup("CLOUD_DEVICE_ID", "SINRIC_DEVICE_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := lookup("STATE_FILE"); v != "" {
		c.StateFile = v
	}
	if v := lookup("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := lookup("WATCHDOG_TARGET"); v != "" {
		c.Watchdog.Target = v
	}
	if v := lookup("WATCHDOG_DISABLED"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WATCHDOG_DISABLED %q: %w", v, err)
		}
		c.Watchdog.Disabled = disabled
	}
	return nil
}

func (c *Config) sanitize() {
	c.Device.Path = strings.TrimSpace(c.Device.Path)
	c.Device.Backoff = strings.ToLower(strings.TrimSpace(c.Device.Backoff))
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.PatternsDir = strings.TrimSpace(c.PatternsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	c.StateFile = strings.TrimSpace(c.StateFile)
	c.MQTT.TopicPrefix = strings.TrimSuffix(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

func (c *Config) setDefaults() {
	// Device Defaults
	if c.Device.BaudRate <= 0 {
		c.Device.BaudRate = 115200
	}
	if c.Device.Backoff == "" {
		c.Device.Backoff = BackoffConstant
	}
	if c.Device.RetryDelay == "" {
		c.Device.RetryDelay = "5s"
	}
	if c.Device.MaxRetryDelay == "" {
		c.Device.MaxRetryDelay = "1m"
	}
	if c.Device.ReadTimeout == "" {
		c.Device.ReadTimeout = "0s"
	}
	if c.Device.WriteRateBurst <= 0 {
		c.Device.WriteRateBurst = 1
	}

	// Strip Defaults
	if c.Strip.RefreshInterval == "" {
		c.Strip.RefreshInterval = "500ms"
	}
	if c.Strip.BusyPollInterval == "" {
		c.Strip.BusyPollInterval = "500ms"
	}
	if c.Strip.TransitionSteps <= 0 {
		c.Strip.TransitionSteps = 20
	}
	if c.Strip.StepInterval == "" {
		c.Strip.StepInterval = "25ms"
	}

	// Server Defaults
	if c.Server.Port == "" {
		c.Server.Port = "3131"
	}

	// File Defaults
	if c.PatternsDir == "" {
		c.PatternsDir = "patterns"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}
	if c.StateFile == "" {
		c.StateFile = "cache.json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// MQTT Defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "adastrip-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "adastrip"
	}
	if c.MQTT.HADiscoveryPrefix == "" {
		c.MQTT.HADiscoveryPrefix = "homeassistant"
	}

	// Watchdog Defaults
	if c.Watchdog.Target == "" {
		c.Watchdog.Target = "google.com:443"
	}
	if c.Watchdog.Interval == "" {
		c.Watchdog.Interval = "5s"
	}
	if c.Watchdog.Timeout == "" {
		c.Watchdog.Timeout = "3s"
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.Device.Path == "" {
		missing = append(missing, "device path (SERIAL_PORT)")
	}
	if c.Device.LEDCount <= 0 {
		missing = append(missing, "LED count (LED_COUNT)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(missing, ", "))
	}

	durations := map[string]string{
		"device.retry_delay":       c.Device.RetryDelay,
		"device.max_retry_delay":   c.Device.MaxRetryDelay,
		"device.read_timeout":      c.Device.ReadTimeout,
		"strip.refresh_interval":   c.Strip.RefreshInterval,
		"strip.busy_poll_interval": c.Strip.BusyPollInterval,
		"strip.step_interval":      c.Strip.StepInterval,
		"watchdog.interval":        c.Watchdog.Interval,
		"watchdog.timeout":         c.Watchdog.Timeout,
	}
	for key, val := range durations {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("config error: '%s' is not a duration: %w", key, err)
		}
	}

	if c.Device.Backoff != BackoffConstant && c.Device.Backoff != BackoffExponential {
		return fmt.Errorf("config error: 'backoff' must be %q or %q, got %q", BackoffConstant, BackoffExponential, c.Device.Backoff)
	}

	if c.Device.WriteRateLimit < 0 {
		return fmt.Errorf("config error: 'write_rate_limit' must not be negative")
	}
	return nil
}

// Duration parses a duration field that validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
