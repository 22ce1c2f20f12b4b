// Package config loads the agent configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Feed transports.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config is the full agent configuration.
type Config struct {
	MDM        MDMConfig        `yaml:"mdm"`
	Feed       FeedConfig       `yaml:"feed"`
	Correlator CorrelatorConfig `yaml:"correlator"`
	Submit     SubmitConfig     `yaml:"submit"`
	Agent      AgentConfig      `yaml:"agent"`
	Log        LogConfig        `yaml:"log"`
}

// MDMConfig points at the MDM server's REST API.
type MDMConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	User        string        `yaml:"user"`
	Timeout     time.Duration `yaml:"timeout"`
	DeviceCache string        `yaml:"device_cache"` // CSV fallback for the device list
	PushTool    string        `yaml:"push_tool"`    // fallback push command, e.g. mdmctl
	VPPURL      string        `yaml:"vpp_url"`      // license endpoint, empty means Apple's
}

// FeedConfig selects and tunes the event feed subscription.
type FeedConfig struct {
	Transport        string        `yaml:"transport"`
	URL              string        `yaml:"url"`
	AuthMode         string        `yaml:"auth_mode"`
	QueueSize        int           `yaml:"queue_size"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Backoff          BackoffConfig `yaml:"backoff"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
}

// BackoffConfig is the reconnect delay policy.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
}

// MQTTConfig is used when feed.transport is mqtt.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// CorrelatorConfig tunes acknowledgment tracking.
type CorrelatorConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MinTimeout     time.Duration `yaml:"min_timeout"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// SubmitConfig holds submission defaults.
type SubmitConfig struct {
	Concurrency int  `yaml:"concurrency"`
	Wake        bool `yaml:"wake"`
	WaitForAck  bool `yaml:"wait_for_ack"`
}

// AgentConfig configures the agent's local surfaces.
type AgentConfig struct {
	Socket  string `yaml:"socket"`   // control socket path, empty for the default
	OpsAddr string `yaml:"ops_addr"` // ops HTTP listen address, empty disables it
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MDM: MDMConfig{
			User:        "micromdm",
			Timeout:     30 * time.Second,
			DeviceCache: defaultDeviceCache(),
			PushTool:    "mdmctl",
		},
		Feed: FeedConfig{
			Transport:        TransportWebSocket,
			AuthMode:         "api_key",
			QueueSize:        256,
			LivenessInterval: 5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			Backoff:          BackoffConfig{Initial: time.Second, Max: 60 * time.Second, Factor: 2},
			MQTT:             MQTTConfig{Topic: "mdm/events", QoS: 1},
		},
		Correlator: CorrelatorConfig{
			SweepInterval:  500 * time.Millisecond,
			MinTimeout:     time.Second,
			DefaultTimeout: 60 * time.Second,
		},
		Submit: SubmitConfig{
			Concurrency: 8,
			Wake:        true,
			WaitForAck:  true,
		},
		Agent: AgentConfig{
			OpsAddr: "127.0.0.1:9470",
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// SearchPaths lists the config files tried in order. explicit, when set, comes first.
func SearchPaths(explicit string) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, "/etc/mdm-agent/config.yaml", "/etc/mdm-agent/config.yml")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".mdm-agent", "config.yaml"))
	}
	return paths
}

// Load builds the configuration: defaults, then the first config file found, then
// environment overrides. It returns the file it read, if any. An explicit path that
// cannot be read is an error; missing default paths are not.
func Load(explicit string) (Config, string, error) {
	cfg := Default()

	var loaded string
	for _, path := range SearchPaths(explicit) {
		data, err := os.ReadFile(path)
		if err != nil {
			if path == explicit {
				return cfg, "", fmt.Errorf("config: %w", err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, "", fmt.Errorf("config: parse %s: %w", path, err)
		}
		loaded = path
		break
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, loaded, err
	}
	return cfg, loaded, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from the environment. API_KEY, MDM_URL and WEBSOCKET_URL
// keep the names operators already use; everything else is MDM_AGENT_*.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.MDM.APIKey, "MDM_AGENT_API_KEY", "API_KEY")
	str(&c.MDM.URL, "MDM_AGENT_MDM_URL", "MDM_URL")
	str(&c.Feed.URL, "MDM_AGENT_FEED_URL", "WEBSOCKET_URL")
	str(&c.Feed.Transport, "MDM_AGENT_FEED_TRANSPORT")
	str(&c.Feed.AuthMode, "MDM_AGENT_FEED_AUTH_MODE")
	str(&c.Feed.MQTT.Broker, "MDM_AGENT_MQTT_BROKER")
	str(&c.Feed.MQTT.Topic, "MDM_AGENT_MQTT_TOPIC")
	str(&c.Feed.MQTT.Username, "MDM_AGENT_MQTT_USERNAME")
	str(&c.Feed.MQTT.Password, "MDM_AGENT_MQTT_PASSWORD")
	str(&c.MDM.DeviceCache, "MDM_AGENT_DEVICE_CACHE")
	str(&c.MDM.PushTool, "MDM_AGENT_PUSH_TOOL")
	str(&c.MDM.VPPURL, "MDM_AGENT_VPP_URL")
	str(&c.Agent.Socket, "MDM_AGENT_SOCKET")
	str(&c.Agent.OpsAddr, "MDM_AGENT_OPS_ADDR")
	str(&c.Log.File, "MDM_AGENT_LOG_FILE")

	if v, ok := lookup("MDM_AGENT_COMMAND_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: MDM_AGENT_COMMAND_TIMEOUT: %w", err)
		}
		c.Correlator.DefaultTimeout = d
	}
	if v, ok := lookup("MDM_AGENT_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MDM_AGENT_CONCURRENCY: %w", err)
		}
		c.Submit.Concurrency = n
	}
	return nil
}

// Validate checks the fields the agent cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.MDM.URL == "" {
		errs = append(errs, errors.New("mdm.url is required (or MDM_URL)"))
	}
	if c.MDM.APIKey == "" {
		errs = append(errs, errors.New("mdm.api_key is required (or API_KEY)"))
	}
	switch c.Feed.Transport {
	case TransportWebSocket:
		if c.Feed.URL == "" {
			errs = append(errs, errors.New("feed.url is required (or WEBSOCKET_URL)"))
		}
	case TransportMQTT:
		if c.Feed.MQTT.Broker == "" {
			errs = append(errs, errors.New("feed.mqtt.broker is required for the mqtt transport"))
		}
		if c.Feed.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("feed.mqtt.qos must be 0, 1 or 2, got %d", c.Feed.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown feed.transport %q", c.Feed.Transport))
	}
	if c.Correlator.MinTimeout <= 0 {
		errs = append(errs, errors.New("correlator.min_timeout must be positive"))
	}
	if c.Correlator.SweepInterval <= 0 {
		errs = append(errs, errors.New("correlator.sweep_interval must be positive"))
	} else if c.Correlator.SweepInterval > c.Correlator.MinTimeout {
		errs = append(errs, fmt.Errorf("correlator.sweep_interval (%v) must not exceed correlator.min_timeout (%v)",
			c.Correlator.SweepInterval, c.Correlator.MinTimeout))
	}
	if c.Correlator.DefaultTimeout < c.Correlator.MinTimeout {
		errs = append(errs, fmt.Errorf("correlator.default_timeout (%v) is below correlator.min_timeout (%v)",
			c.Correlator.DefaultTimeout, c.Correlator.MinTimeout))
	}
	if c.Submit.Concurrency < 1 {
		errs = append(errs, errors.New("submit.concurrency must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateClient checks only what the MDM REST commands need.
func (c Config) ValidateClient() error {
	if c.MDM.URL == "" {
		return errors.New("config: mdm.url is required (or MDM_URL)")
	}
	if c.MDM.APIKey == "" {
		return errors.New("config: mdm.api_key is required (or API_KEY)")
	}
	return nil
}

func defaultDeviceCache() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mdm-agent", "devices.csv")
	}
	return "devices.csv"
}
