package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models gigmarket.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Workspace     string `yaml:"workspace"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	} `yaml:"database"`
	Auth struct {
		DevLogin bool          `yaml:"dev_login"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Currency    CurrencyConfig    `yaml:"currency"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	RBAC        struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type MarketplaceConfig struct {
	// SiteAccountID owns the platform wallet that receives bid funds.
	SiteAccountID        string        `yaml:"site_account_id"`
	DefaultCurrency      string        `yaml:"default_currency"`
	DefaultMaxBidsPerDay int           `yaml:"default_max_bids_per_day"`
	QuotaTimezone        string        `yaml:"quota_timezone"`
	TypingDebounce       time.Duration `yaml:"typing_debounce"`
}

type CurrencyConfig struct {
	Base string `yaml:"base"`

	// Rates are units of the currency per one unit of Base.
	Rates             map[string]string `yaml:"rates"`
	ProviderURL       string            `yaml:"provider_url"`
	Refresh           string            `yaml:"refresh"`
	CacheTTL          time.Duration     `yaml:"cache_ttl"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	m := c.Marketplace
	if strings.TrimSpace(m.SiteAccountID) == "" {
		return fmt.Errorf("config.marketplace.site_account_id is required")
	}
	if m.DefaultCurrency == "" {
		return fmt.Errorf("config.marketplace.default_currency is required")
	}
	if m.DefaultMaxBidsPerDay <= 0 {
		return fmt.Errorf("config.marketplace.default_max_bids_per_day must be positive")
	}
	if m.QuotaTimezone != "" {
		if _, err := time.LoadLocation(m.QuotaTimezone); err != nil {
			return fmt.Errorf("config.marketplace.quota_timezone: %w", err)
		}
	}
	if m.TypingDebounce < 0 {
		return fmt.Errorf("config.marketplace.typing_debounce must not be negative")
	}
	for code, rate := range c.Currency.Rates {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return fmt.Errorf("currency rate %s: %w", code, err)
		}
		if !d.IsPositive() {
			return fmt.Errorf("currency rate %s must be positive", code)
		}
	}
	if c.Currency.RequestsPerSecond < 0 {
		return fmt.Errorf("config.currency.requests_per_second must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be json or text")
	}
	if len(c.RBAC.Roles) > 0 {
		for _, required := range []string{"owner", "freelancer", "admin"} {
			if _, ok := c.RBAC.Roles[required]; !ok {
				return fmt.Errorf("config.rbac.roles must include %s", required)
			}
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the time zone that decides when bid quotas reset.
func (c *Config) Location() *time.Location {
	if c.Marketplace.QuotaTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Marketplace.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigmarket.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

database:
  workspace: .
  busy_timeout_ms: 5000

auth:
  dev_login: false
  token_ttl: 24h

marketplace:
  site_account_id: platform
  default_currency: SPY
  default_max_bids_per_day: 5
  quota_timezone: UTC
  typing_debounce: 2s

currency:
  base: SPY
  rates:
    SPY: "1"
    USD: "0.0004"
    EUR: "0.00037"
  provider_url: ""
  refresh: "@every 1h"
  cache_ttl: 1h
  requests_per_second: 1

redis:
  addr: ""
  channel_prefix: "gigmarket:"

logging:
  level: info
  format: json

rbac:
  roles:
    owner:
      description: "Posts projects and hires freelancers"
      permissions: [project.create, project.manage, wallet.use, chat.use, rating.create]
    freelancer:
      description: "Bids on projects and delivers work"
      permissions: [bid.create, wallet.use, chat.use, rating.create]
    admin:
      description: "Operates the marketplace"
      permissions: [project.create, project.manage, project.status.override, wallet.use, wallet.manage, user.manage, chat.use, events.read]
`
