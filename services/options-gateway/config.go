package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddress  = ":8091"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultRatePerMinute  = 120
	defaultRateBurst      = 20
	defaultClockSkew      = 30 * time.Second

	envHMACSecret = "OPTIONS_GATEWAY_JWT_SECRET"
	envNodeToken  = "OPTIONS_GATEWAY_NODE_TOKEN"
)

// Duration wraps time.Duration so YAML configs can use values like "90s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses scalar duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration value")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the options gateway runtime configuration.
type Config struct {
	ListenAddress     string          `yaml:"listen_address"`
	NodeURL           string          `yaml:"node_url"`
	NodeAuthToken     string          `yaml:"node_auth_token"`
	NodeAuthTokenFile string          `yaml:"node_auth_token_file"`
	DatabasePath      string          `yaml:"database_path"`
	OutboxPath        string          `yaml:"outbox_path"`
	IdempotencyTTL    Duration        `yaml:"idempotency_ttl"`
	Auth              AuthSettings    `yaml:"auth"`
	RateLimit         RateSettings    `yaml:"rate_limit"`
	Webhooks          []WebhookTarget `yaml:"webhooks"`
}

// AuthSettings configures bearer token verification for the REST surface.
type AuthSettings struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateSettings bounds request throughput per caller.
type RateSettings struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// WebhookTarget is one endpoint that receives signed option event deliveries.
// An empty Events list subscribes the target to every event type.
type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func (t WebhookTarget) matches(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, evt := range t.Events {
		if strings.EqualFold(strings.TrimSpace(evt), eventType) {
			return true
		}
	}
	return false
}

// LoadConfig reads, defaults, and validates the YAML config at path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.IdempotencyTTL.Duration <= 0 {
		c.IdempotencyTTL.Duration = defaultIdempotencyTTL
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = defaultRatePerMinute
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}
	if c.Auth.ClockSkew.Duration <= 0 {
		c.Auth.ClockSkew.Duration = defaultClockSkew
	}
}

// normalise resolves secrets from the environment or referenced files so the
// YAML document itself never has to carry credentials.
func (c *Config) normalise() error {
	if v := strings.TrimSpace(os.Getenv(envHMACSecret)); v != "" {
		c.Auth.HMACSecret = v
	}
	if strings.TrimSpace(c.Auth.HMACSecret) == "" && strings.TrimSpace(c.Auth.HMACSecretFile) != "" {
		raw, err := os.ReadFile(c.Auth.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("read hmac secret file: %w", err)
		}
		c.Auth.HMACSecret = strings.TrimSpace(string(raw))
	}
	if v := strings.TrimSpace(os.Getenv(envNodeToken)); v != "" {
		c.NodeAuthToken = v
	}
	if strings.TrimSpace(c.NodeAuthToken) == "" && strings.TrimSpace(c.NodeAuthTokenFile) != "" {
		raw, err := os.ReadFile(c.NodeAuthTokenFile)
		if err != nil {
			return fmt.Errorf("read node auth token file: %w", err)
		}
		c.NodeAuthToken = strings.TrimSpace(string(raw))
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.NodeURL) == "" {
		return fmt.Errorf("node_url required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database_path required")
	}
	if strings.TrimSpace(c.OutboxPath) == "" {
		return fmt.Errorf("outbox_path required")
	}
	if strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret required (or set %s)", envHMACSecret)
	}
	for i, target := range c.Webhooks {
		if strings.TrimSpace(target.URL) == "" {
			return fmt.Errorf("webhooks[%d]: url required", i)
		}
	}
	return nil
}
