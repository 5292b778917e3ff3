// Copyright 2024-2026 Aiku AI

// Package config loads the gateway's YAML configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the top-level gateway configuration.
type Config struct {
	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen"`
	// APIKey protects the HTTP API via the X-Api-Key header. Empty means
	// a random key is generated at startup and logged.
	APIKey string `yaml:"api_key"`
	// DataDir holds per-instance credential blobs and device databases.
	DataDir string `yaml:"data_dir"`

	Webhook  WebhookConfig     `yaml:"webhook"`
	Protocol ProtocolConfig    `yaml:"protocol"`
	Timeouts TimeoutConfig     `yaml:"timeouts"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

// WebhookConfig controls inbound-message forwarding.
type WebhookConfig struct {
	// URLTemplate derives the backend URL from the instance identity,
	// e.g. "http://backend:4000/webhooks/{{.Instance}}". Empty disables
	// forwarding.
	URLTemplate string `yaml:"url_template"`
	// TimeoutSeconds bounds a single webhook POST.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// ProtocolConfig tunes the protocol adapter.
type ProtocolConfig struct {
	// PairPhone switches authentication from QR codes to numeric pairing
	// codes for this phone number (digits only, country code included).
	PairPhone string `yaml:"pair_phone"`
}

// TimeoutConfig carries the lifecycle timing knobs, in seconds.
type TimeoutConfig struct {
	InitialDeadlineSeconds  int `yaml:"initial_deadline_seconds"`
	ReconnectBackoffSeconds int `yaml:"reconnect_backoff_seconds"`
	LogoutGraceSeconds      int `yaml:"logout_grace_seconds"`
	ArtifactTTLSeconds      int `yaml:"artifact_ttl_seconds"`
}

func (t TimeoutConfig) InitialDeadline() time.Duration {
	return time.Duration(t.InitialDeadlineSeconds) * time.Second
}

func (t TimeoutConfig) ReconnectBackoff() time.Duration {
	return time.Duration(t.ReconnectBackoffSeconds) * time.Second
}

func (t TimeoutConfig) LogoutGrace() time.Duration {
	return time.Duration(t.LogoutGraceSeconds) * time.Second
}

func (t TimeoutConfig) ArtifactTTL() time.Duration {
	return time.Duration(t.ArtifactTTLSeconds) * time.Second
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults after unmarshalling.
func (c *Config) PostProcess() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Timeouts.InitialDeadlineSeconds <= 0 {
		c.Timeouts.InitialDeadlineSeconds = 60
	}
	if c.Timeouts.ReconnectBackoffSeconds <= 0 {
		c.Timeouts.ReconnectBackoffSeconds = 3
	}
	if c.Timeouts.LogoutGraceSeconds <= 0 {
		c.Timeouts.LogoutGraceSeconds = 2
	}
	if c.Timeouts.ArtifactTTLSeconds <= 0 {
		c.Timeouts.ArtifactTTLSeconds = 60
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		c.Webhook.TimeoutSeconds = 10
	}
	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: "pretty-colored",
		}}
	}
	return nil
}

// Load reads and post-processes the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
