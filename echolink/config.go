package echolink

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const defaultSecurePort = 443

// Settings is the environment-derived broker configuration.
type Settings struct {
	Broadcaster  string `envconfig:"ECHOLINK_BROADCASTER" yaml:"broadcaster"`
	AppKey       string `envconfig:"ECHOLINK_APP_KEY" yaml:"app_key"`
	WSHost       string `envconfig:"ECHOLINK_WS_HOST" yaml:"ws_host"`
	WSPort       int    `envconfig:"ECHOLINK_WS_PORT" yaml:"ws_port"`
	ForceTLS     bool   `envconfig:"ECHOLINK_FORCE_TLS" yaml:"force_tls"`
	AuthEndpoint string `envconfig:"ECHOLINK_AUTH_ENDPOINT" yaml:"auth_endpoint"`
}

// Validate checks that the settings can produce a usable transport config.
func (s Settings) Validate() error {
	if s.AppKey == "" {
		return fmt.Errorf("app key is required")
	}
	if s.WSHost == "" {
		return fmt.Errorf("ws host is required")
	}
	return nil
}

// Environment describes the host platform's capabilities, checked once at
// client construction instead of scattered through methods.
type Environment struct {
	HasPersistentStore  bool
	HasNetworkTransport bool
}

// Config controls client behaviour.
type Config struct {
	Settings Settings    `yaml:"settings"`
	Retry    RetryConfig `yaml:"retry"`

	// FreshnessWindow bounds how long a still-connecting handle is
	// considered usable by EnsureConnected.
	FreshnessWindow time.Duration `envconfig:"ECHOLINK_FRESHNESS_WINDOW" yaml:"freshness_window"`

	// TeardownDebounce is the delay before a non-immediate teardown
	// actually releases the connection.
	TeardownDebounce time.Duration `envconfig:"ECHOLINK_TEARDOWN_DEBOUNCE" yaml:"teardown_debounce"`

	HandshakeTimeout time.Duration `envconfig:"ECHOLINK_HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`

	// ReadTimeout must exceed the broker's ping interval or idle
	// connections get cut mid-silence.
	ReadTimeout  time.Duration `envconfig:"ECHOLINK_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout time.Duration `envconfig:"ECHOLINK_WRITE_TIMEOUT" yaml:"write_timeout"`

	Environment Environment `yaml:"-"`
}

// DefaultConfig returns sensible defaults. Callers fill in Settings.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultRetryConfig(),
		FreshnessWindow:  10 * time.Second,
		TeardownDebounce: time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      3 * time.Minute,
		WriteTimeout:     10 * time.Second,
		Environment: Environment{
			HasPersistentStore:  true,
			HasNetworkTransport: true,
		},
	}
}

// LoadConfig reads configuration from a YAML file and then overlays
// environment variables. An empty path skips the file stage.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("processing environment: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromEnv reads configuration from environment variables only.
func LoadConfigFromEnv() (Config, error) {
	return LoadConfig("")
}

// transportConfig builds the per-connection transport configuration from the
// settings and the current bearer token. When TLS is forced and the
// configured port is the default secure port, the port is omitted so the
// transport uses the scheme's implicit default.
func (c Config) transportConfig(token string) TransportConfig {
	port := c.Settings.WSPort
	if c.Settings.ForceTLS && port == defaultSecurePort {
		port = 0
	}
	return TransportConfig{
		Broadcaster:       c.Settings.Broadcaster,
		AppKey:            c.Settings.AppKey,
		Host:              c.Settings.WSHost,
		Port:              port,
		ForceTLS:          c.Settings.ForceTLS,
		EnabledTransports: []string{"ws", "wss"},
		AuthEndpoint:      c.Settings.AuthEndpoint,
		AuthHeaders: map[string]string{
			"Authorization": "Bearer " + token,
			"Accept":        "application/json",
			"Content-Type":  "application/json",
		},
		HandshakeTimeout: c.HandshakeTimeout,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
	}
}
