// Package config handles incubator dashboard configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/incubator/config.yaml, /etc/incubator/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "incubator", "config.yaml"))
	}

	paths = append(paths, "/etc/incubator/config.yaml")
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

// Config holds all dashboard configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Store     StoreConfig  `yaml:"store"`
	Web       WebConfig    `yaml:"web"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker connection used to reach the
// incubator controller.
type MQTTConfig struct {
	// Broker is the broker URL. ws:// and wss:// connect over
	// WebSocket, mqtt:// and mqtts:// over TCP.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientIDPrefix is combined with a random suffix on every start
	// so two dashboards never collide on the broker.
	ClientIDPrefix string `yaml:"client_id_prefix"`

	KeepAliveSec      int `yaml:"keep_alive_sec"`
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`

	// RateLimitPerMinute caps inbound messages; excess messages are
	// dropped. Zero disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ReconnectDelay is the fixed pause between reconnect attempts.
func (c MQTTConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// ConnectTimeout bounds a single connection attempt.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// PublishTimeout bounds the wait for a command acknowledgement.
func (c MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSec) * time.Second
}

// StoreConfig defines where sensor readings are kept.
type StoreConfig struct {
	// Path is the SQLite database file. Relative paths resolve against
	// DataDir.
	Path string `yaml:"path"`

	// AutoSaveSec is the minimum spacing between automatically saved
	// readings. Zero disables auto-save.
	AutoSaveSec int `yaml:"auto_save_sec"`

	// RetentionDays prunes readings older than this many days. Zero
	// keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// AutoSaveInterval returns AutoSaveSec as a duration.
func (c StoreConfig) AutoSaveInterval() time.Duration {
	return time.Duration(c.AutoSaveSec) * time.Second
}

// Retention returns RetentionDays as a duration.
func (c StoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// WebConfig defines the dashboard pages and operator access.
type WebConfig struct {
	// PublicURL is the address operators use to reach the dashboard.
	// It is encoded in the QR code on the dashboard page.
	PublicURL string `yaml:"public_url"`

	// Username and PasswordHash enable HTTP basic auth on the control
	// and save endpoints. PasswordHash is a bcrypt hash; generate one
	// with "incubator hash-password".
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`

	// HistorySize is the number of points on the live chart.
	HistorySize int `yaml:"history_size"`
}

// AuthEnabled reports whether operator credentials are configured.
func (c WebConfig) AuthEnabled() bool {
	return c.Username != "" && c.PasswordHash != ""
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration pointed at the public
// HiveMQ broker over secure WebSocket.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		MQTT: MQTTConfig{
			Broker: "wss://broker.hivemq.com:8884/mqtt",
		},
		Store: StoreConfig{AutoSaveSec: 30},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values that have a sensible default.
// Explicit zeroes for AutoSaveSec and RetentionDays are respected
// because yaml leaves the field untouched when it is absent and
// Default seeds it first.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "incubator_dashboard"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ReconnectDelaySec == 0 {
		c.MQTT.ReconnectDelaySec = 5
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 30
	}
	if c.MQTT.PublishTimeoutSec == 0 {
		c.MQTT.PublishTimeoutSec = 10
	}
	if c.Store.Path == "" {
		c.Store.Path = "readings.db"
	}
	if c.Web.HistorySize == 0 {
		c.Web.HistorySize = 50
	}
}

// StorePath resolves the readings database path against DataDir.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, c.Store.Path)
}

// Validate checks the configuration for values the dashboard cannot
// run with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "ws", "wss", "mqtt", "mqtts", "tcp", "ssl", "tls":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q (valid: ws, wss, mqtt, mqtts)", u.Scheme))
			}
			if u.Host == "" {
				errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
			}
		}
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec %d out of range", c.MQTT.KeepAliveSec))
	}
	if c.MQTT.ReconnectDelaySec < 0 || c.MQTT.ConnectTimeoutSec < 0 || c.MQTT.PublishTimeoutSec < 0 {
		errs = append(errs, errors.New("mqtt timing values cannot be negative"))
	}
	if c.MQTT.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("mqtt.rate_limit_per_minute cannot be negative"))
	}

	if c.Store.AutoSaveSec < 0 {
		errs = append(errs, errors.New("store.auto_save_sec cannot be negative"))
	}
	if c.Store.RetentionDays < 0 {
		errs = append(errs, errors.New("store.retention_days cannot be negative"))
	}

	if (c.Web.Username == "") != (c.Web.PasswordHash == "") {
		errs = append(errs, errors.New("web.username and web.password_hash must be set together"))
	}
	if c.Web.PasswordHash != "" && !strings.HasPrefix(c.Web.PasswordHash, "$2") {
		errs = append(errs, errors.New("web.password_hash must be a bcrypt hash"))
	}
	if c.Web.PublicURL != "" {
		if u, err := url.Parse(c.Web.PublicURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("web.public_url %q is not an absolute URL", c.Web.PublicURL))
		}
	}
	if c.Web.HistorySize < 0 {
		errs = append(errs, errors.New("web.history_size cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
