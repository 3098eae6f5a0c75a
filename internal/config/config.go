package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "tbos.yml"

// Config models tbos.yml.
type Config struct {
	Locks struct {
		DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
		MaxTTLSeconds     int `yaml:"max_ttl_seconds"`
	} `yaml:"locks"`
	Approval struct {
		// Reporting threshold only; the gate never blocks on it.
		HighRiskRollbackThreshold int `yaml:"high_risk_rollback_threshold"`
	} `yaml:"approval"`
	Feed struct {
		PollIntervalMillis int `yaml:"poll_interval_ms"`
		SubscriberBuffer   int `yaml:"subscriber_buffer"`
	} `yaml:"feed"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Guard    GuardConfig     `yaml:"guard"`
	Server   struct {
		RateLimit struct {
			PerSecond int `yaml:"per_second"`
			Burst     int `yaml:"burst"`
		} `yaml:"rate_limit"`
		// TrustedProxies lists peers (addresses or CIDRs) whose
		// X-Forwarded-For is believed by the rate limiter.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`
}

// WebhookConfig describes one workflow-automation relay target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type GuardConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Locks.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config.locks.default_ttl_seconds must be positive")
	}
	if c.Locks.MaxTTLSeconds < c.Locks.DefaultTTLSeconds {
		return fmt.Errorf("config.locks.max_ttl_seconds must be >= default_ttl_seconds")
	}
	if c.Approval.HighRiskRollbackThreshold < 0 {
		return fmt.Errorf("config.approval.high_risk_rollback_threshold must not be negative")
	}
	if c.Feed.PollIntervalMillis <= 0 {
		return fmt.Errorf("config.feed.poll_interval_ms must be positive")
	}
	if c.Feed.SubscriberBuffer <= 0 {
		return fmt.Errorf("config.feed.subscriber_buffer must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if u, err := url.Parse(hook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %d has invalid url %q", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout must not be negative", i)
		}
	}
	if c.Guard.Enabled && strings.TrimSpace(c.Guard.URL) == "" {
		return fmt.Errorf("config.guard.url is required when the guard is enabled")
	}
	if c.Server.RateLimit.PerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	for _, entry := range c.Server.TrustedProxies {
		entry = strings.TrimSpace(entry)
		var err error
		if strings.Contains(entry, "/") {
			_, err = netip.ParsePrefix(entry)
		} else {
			_, err = netip.ParseAddr(entry)
		}
		if err != nil {
			return fmt.Errorf("config.server.trusted_proxies: invalid entry %q", entry)
		}
	}
	return nil
}

func (c *Config) DefaultLockTTL() time.Duration {
	return time.Duration(c.Locks.DefaultTTLSeconds) * time.Second
}

func (c *Config) MaxLockTTL() time.Duration {
	return time.Duration(c.Locks.MaxTTLSeconds) * time.Second
}

func (c *Config) FeedPollInterval() time.Duration {
	return time.Duration(c.Feed.PollIntervalMillis) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tbos config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `locks:
  default_ttl_seconds: 300
  max_ttl_seconds: 3600

approval:
  high_risk_rollback_threshold: 3

feed:
  poll_interval_ms: 1000
  subscriber_buffer: 64

# Workflow-automation relays, e.g.
# webhooks:
#   - url: https://automation.example.com/webhook/tbos
#     events: [document.validated, document.rolled_back]
#     secret: change-me
#     timeout_seconds: 5
webhooks: []

guard:
  enabled: false
  url: ""
  timeout_seconds: 5

server:
  rate_limit:
    per_second: 20
    burst: 40
  trusted_proxies: []
`
