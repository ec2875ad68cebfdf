package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Tado            TadoConfig       `yaml:"tado"`
	Poll            PollConfig       `yaml:"poll"`
	Batch           BatchConfig      `yaml:"batch"`
	Window          WindowConfig     `yaml:"window"`
	Database        DatabaseConfig   `yaml:"database"`
	Log             LogConfig        `yaml:"log"`
	API             APIConfig        `yaml:"api"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	Influx          InfluxConfig     `yaml:"influx"`
	Automation      AutomationConfig `yaml:"automation"`
	History         HistoryConfig    `yaml:"history"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// TadoConfig contains tado API connection settings
type TadoConfig struct {
	Token   string   `yaml:"token"`    // Bearer token for the tado API
	HomeID  int      `yaml:"home_id"`  // Home to operate on
	BaseURL string   `yaml:"base_url"` // API base URL, point at a proxy to share quota (default: https://hops.tado.com)
	Timeout Duration `yaml:"timeout"`  // HTTP timeout for API requests
}

// Proxied reports whether the client talks to a non-default endpoint.
// Sleep jitter only applies then, so fleets behind a shared proxy do
// not synchronize their polls.
func (c *TadoConfig) Proxied() bool {
	return c.BaseURL != "" && c.BaseURL != DefaultBaseURL
}

// PollConfig contains poll loop and adaptive scheduling settings
type PollConfig struct {
	Baseline    Duration `yaml:"baseline"`     // Fallback poll cadence (default: 5m)
	MinInterval Duration `yaml:"min_interval"` // Floor for the computed cadence (default: 15s)
	MaxInterval Duration `yaml:"max_interval"` // Ceiling for the computed cadence (default: 1h)

	AutoQuotaFraction float64 `yaml:"auto_quota_fraction"` // Share of free quota for background polling, negative = fixed cadence (default: 0.5)
	ThrottleReserve   int     `yaml:"throttle_reserve"`    // Calls withheld for manual commands, negative = none (default: 10)
	RecoveryMargin    int     `yaml:"recovery_margin"`     // Calls above the reserve before throttle releases (default: 5)
	DisableOnThrottle bool    `yaml:"disable_on_throttle"` // Stop background polling entirely while throttled

	ResetProbeDelay Duration `yaml:"reset_probe_delay"` // Wake padding past the quota reset (default: 2m)
	StaleGrace      Duration `yaml:"stale_grace"`       // Staleness padding beyond one poll interval (default: 30s)
	SlowInterval    Duration `yaml:"slow_interval"`     // Metadata refresh cadence (default: 6h)

	JitterFraction float64 `yaml:"jitter_fraction"` // Sleep jitter when polling through a proxy (default: 0.1)
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`  // Outbound request pacing (default: 2.0)
}

// BatchConfig contains command batching settings
type BatchConfig struct {
	Window Duration `yaml:"window"` // Debounce window from the first queued command (default: 2s)
}

// WindowConfig contains the optional economy window. Empty start and
// end leave it disabled.
type WindowConfig struct {
	Start    string   `yaml:"start"`    // Window open, local "HH:MM"
	End      string   `yaml:"end"`      // Window close, local "HH:MM", may wrap midnight
	Interval Duration `yaml:"interval"` // Poll cadence inside the window, 0 pauses polling
}

// Enabled reports whether a window is configured.
func (c *WindowConfig) Enabled() bool {
	return c.Start != "" || c.End != ""
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// APIConfig contains control API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig contains status publisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`       // e.g. tcp://127.0.0.1:1883
	ClientID    string `yaml:"client_id"`    // MQTT client id (default: tadod)
	TopicPrefix string `yaml:"topic_prefix"` // Status topic prefix (default: tadod)
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// InfluxConfig contains telemetry writer settings
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"` // (default: tadod)
}

// AutomationConfig contains Lua automation settings
type AutomationConfig struct {
	Dir string `yaml:"dir"` // Directory of *.lua scripts, empty disables automation
}

// HistoryConfig contains history retention settings
type HistoryConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// DefaultBaseURL is the public tado X API endpoint.
const DefaultBaseURL = "https://hops.tado.com"

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// An optional .env file feeds the ${VAR} expansion below
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./tadod.sqlite"
	}

	// Tado defaults
	if cfg.Tado.BaseURL == "" {
		cfg.Tado.BaseURL = DefaultBaseURL
	}
	if cfg.Tado.Timeout == 0 {
		cfg.Tado.Timeout = Duration(30 * time.Second)
	}
	if cfg.Tado.HomeID <= 0 {
		return nil, fmt.Errorf("tado.home_id is required")
	}
	if cfg.Tado.Token == "" {
		return nil, fmt.Errorf("tado.token is required")
	}

	// Poll defaults
	if cfg.Poll.Baseline == 0 {
		cfg.Poll.Baseline = Duration(5 * time.Minute)
	}
	if cfg.Poll.MinInterval == 0 {
		cfg.Poll.MinInterval = Duration(15 * time.Second)
	}
	if cfg.Poll.MaxInterval == 0 {
		cfg.Poll.MaxInterval = Duration(time.Hour)
	}
	if cfg.Poll.AutoQuotaFraction == 0 {
		cfg.Poll.AutoQuotaFraction = 0.5
	}
	if cfg.Poll.AutoQuotaFraction < 0 {
		cfg.Poll.AutoQuotaFraction = 0 // fixed cadence
	}
	if cfg.Poll.ThrottleReserve == 0 {
		cfg.Poll.ThrottleReserve = 10
	}
	if cfg.Poll.ThrottleReserve < 0 {
		cfg.Poll.ThrottleReserve = 0
	}
	if cfg.Poll.RecoveryMargin == 0 {
		cfg.Poll.RecoveryMargin = 5
	}
	if cfg.Poll.RecoveryMargin < 0 {
		cfg.Poll.RecoveryMargin = 0
	}
	if cfg.Poll.ResetProbeDelay == 0 {
		cfg.Poll.ResetProbeDelay = Duration(2 * time.Minute)
	}
	if cfg.Poll.StaleGrace == 0 {
		cfg.Poll.StaleGrace = Duration(30 * time.Second)
	}
	if cfg.Poll.SlowInterval == 0 {
		cfg.Poll.SlowInterval = Duration(6 * time.Hour)
	}
	if cfg.Poll.JitterFraction == 0 {
		cfg.Poll.JitterFraction = 0.1
	}
	if cfg.Poll.JitterFraction < 0 {
		cfg.Poll.JitterFraction = 0
	}
	if cfg.Poll.RateLimitRPS == 0 {
		cfg.Poll.RateLimitRPS = 2.0
	}

	// Batch defaults
	if cfg.Batch.Window == 0 {
		cfg.Batch.Window = Duration(2 * time.Second)
	}

	// Economy window needs both boundaries once one is given
	if cfg.Window.Enabled() && (cfg.Window.Start == "" || cfg.Window.End == "") {
		return nil, fmt.Errorf("window.start and window.end must both be set")
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 8422
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "tadod"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tadod"
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	// Influx defaults
	if cfg.Influx.Bucket == "" {
		cfg.Influx.Bucket = "tadod"
	}
	if cfg.Influx.Enabled && cfg.Influx.URL == "" {
		return nil, fmt.Errorf("influx.url is required when influx is enabled")
	}

	// History defaults
	if cfg.History.CleanupInterval == 0 {
		cfg.History.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
