package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"API_KEY", "MDM_URL", "WEBSOCKET_URL", "MDM_AGENT_API_KEY", "MDM_AGENT_MDM_URL",
		"MDM_AGENT_FEED_URL", "MDM_AGENT_FEED_TRANSPORT", "MDM_AGENT_COMMAND_TIMEOUT", "MDM_AGENT_CONCURRENCY"} {
		t.Setenv(k, "")
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
mdm:
  url: https://mdm.example.com
  api_key: from-file
feed:
  url: wss://mdm.example.com/feed
  backoff:
    initial: 2s
    max: 30s
correlator:
  default_timeout: 90s
log:
  file: /var/log/mdm-agent.log
`)

	cfg, loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != path {
		t.Errorf("loaded = %q, want %q", loaded, path)
	}
	if cfg.MDM.URL != "https://mdm.example.com" || cfg.MDM.APIKey != "from-file" {
		t.Errorf("mdm = %+v", cfg.MDM)
	}
	if cfg.Feed.Backoff.Initial != 2*time.Second || cfg.Feed.Backoff.Max != 30*time.Second {
		t.Errorf("backoff = %+v", cfg.Feed.Backoff)
	}
	// Unset keys keep their defaults.
	if cfg.Feed.Backoff.Factor != 2 || cfg.Correlator.SweepInterval != 500*time.Millisecond || cfg.MDM.User != "micromdm" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Correlator.DefaultTimeout != 90*time.Second {
		t.Errorf("default_timeout = %v", cfg.Correlator.DefaultTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "mdm:\n  url: https://file.example.com\n  api_key: from-file\n")
	t.Setenv("API_KEY", "from-env")
	t.Setenv("WEBSOCKET_URL", "ws://feed.local:5000")
	t.Setenv("MDM_AGENT_COMMAND_TIMEOUT", "2m")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MDM.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env value", cfg.MDM.APIKey)
	}
	if cfg.MDM.URL != "https://file.example.com" {
		t.Errorf("URL = %q, want file value", cfg.MDM.URL)
	}
	if cfg.Feed.URL != "ws://feed.local:5000" || cfg.Correlator.DefaultTimeout != 2*time.Minute {
		t.Errorf("feed url = %q, timeout = %v", cfg.Feed.URL, cfg.Correlator.DefaultTimeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing explicit file should fail")
	}
	if _, _, err := Load(writeConfig(t, "mdm: [not, a, map]\n")); err == nil {
		t.Error("Load() of malformed YAML should fail")
	}

	t.Setenv("MDM_AGENT_CONCURRENCY", "many")
	if _, _, err := Load(writeConfig(t, "")); err == nil {
		t.Error("Load() with a bad MDM_AGENT_CONCURRENCY should fail")
	}
}

func TestApplyEnv_PrefixedNameWins(t *testing.T) {
	env := map[string]string{"API_KEY": "plain", "MDM_AGENT_API_KEY": "prefixed", "MDM_URL": "https://mdm"}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if cfg.MDM.APIKey != "prefixed" || cfg.MDM.URL != "https://mdm" {
		t.Errorf("mdm = %+v", cfg.MDM)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.MDM.URL = "https://mdm.example.com"
		cfg.MDM.APIKey = "key"
		cfg.Feed.URL = "wss://mdm.example.com/feed"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing key", func(c *Config) { c.MDM.APIKey = "" }, "api_key"},
		{"missing feed url", func(c *Config) { c.Feed.URL = "" }, "feed.url"},
		{"mqtt needs broker", func(c *Config) { c.Feed.Transport = TransportMQTT }, "broker"},
		{"mqtt ok", func(c *Config) { c.Feed.Transport = TransportMQTT; c.Feed.MQTT.Broker = "tcp://b:1883" }, ""},
		{"unknown transport", func(c *Config) { c.Feed.Transport = "sse" }, "transport"},
		{"sweep above min timeout", func(c *Config) { c.Correlator.SweepInterval = 2 * time.Second }, "sweep_interval"},
		{"default below min", func(c *Config) { c.Correlator.DefaultTimeout = 100 * time.Millisecond }, "default_timeout"},
		{"no concurrency", func(c *Config) { c.Submit.Concurrency = 0 }, "concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClient(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateClient(); err == nil {
		t.Error("ValidateClient() without url should fail")
	}
	cfg.MDM.URL = "https://mdm"
	cfg.MDM.APIKey = "key"
	if err := cfg.ValidateClient(); err != nil {
		t.Errorf("ValidateClient() error = %v", err)
	}
}
