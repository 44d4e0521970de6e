// Package config defines all configuration for the Janus server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via JANUS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Accounts   []AccountConfig  `mapstructure:"accounts"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// RefreshDebounceMs coalesces broker-A snapshot refreshes after fills.
	RefreshDebounceMs int `mapstructure:"refresh_debounce_ms"`
}

// AccountConfig describes one brokerage account connection.
type AccountConfig struct {
	Broker  string `mapstructure:"broker"` // "ibkr" | "webull"
	Alias   string `mapstructure:"alias"`
	Default bool   `mapstructure:"default"`

	// broker-B (socket protocol)
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	ClientID int    `mapstructure:"client_id"`

	// broker-A (HTTP + events)
	BaseURL   string `mapstructure:"base_url"`
	AppKey    string `mapstructure:"app_key"`
	AppSecret string `mapstructure:"app_secret"`
	AccountID string `mapstructure:"account_id"`

	AllowShort     bool `mapstructure:"allow_short"`
	LocateRequired bool `mapstructure:"locate_required"`
	AutoFill       bool `mapstructure:"auto_fill"`

	TradeEvents TradeEventsConfig `mapstructure:"trade_events"`
}

// TradeEventsConfig enables the broker-A order status stream.
type TradeEventsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Host     string `mapstructure:"host"`
	RegionID string `mapstructure:"region_id"`
}

// RegistryConfig locates the symbol registry database. The schema is applied
// out of band; the server fails fast when the table is missing.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// RPCConfig is the terminal-facing listen address.
type RPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// MarketDataConfig selects startup subscriptions.
type MarketDataConfig struct {
	DefaultSymbols []string `mapstructure:"default_symbols"`
	UseRTH         bool     `mapstructure:"use_rth"`
}

// ReconnectConfig tunes the broker-B connection health check.
type ReconnectConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: JANUS_WEBULL_APP_KEY, JANUS_WEBULL_APP_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("JANUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("reconnect.interval_seconds", 10)
	v.SetDefault("refresh_debounce_ms", 1500)
	v.SetDefault("registry.path", "data/registry.db")
	v.SetDefault("rpc.addr", "127.0.0.1:8787")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	appKey := os.Getenv("JANUS_WEBULL_APP_KEY")
	appSecret := os.Getenv("JANUS_WEBULL_APP_SECRET")
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Broker != "webull" {
			continue
		}
		if appKey != "" {
			cfg.Accounts[i].AppKey = appKey
		}
		if appSecret != "" {
			cfg.Accounts[i].AppSecret = appSecret
		}
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	if c.RPC.Addr == "" {
		return fmt.Errorf("rpc.addr is required")
	}
	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	if c.Reconnect.IntervalSeconds <= 0 {
		return fmt.Errorf("reconnect.interval_seconds must be > 0")
	}
	if c.RefreshDebounceMs <= 0 {
		return fmt.Errorf("refresh_debounce_ms must be > 0")
	}

	seen := make(map[string]bool, len(c.Accounts))
	defaults := 0
	for _, acct := range c.Accounts {
		if acct.Alias == "" {
			return fmt.Errorf("every account needs an alias")
		}
		if seen[acct.Alias] {
			return fmt.Errorf("duplicate account alias %q", acct.Alias)
		}
		seen[acct.Alias] = true
		if acct.Default {
			defaults++
		}

		switch acct.Broker {
		case "ibkr":
			if acct.Host == "" || acct.Port == 0 {
				return fmt.Errorf("account %q: ibkr needs host and port", acct.Alias)
			}
		case "webull":
			if acct.BaseURL == "" || acct.AccountID == "" {
				return fmt.Errorf("account %q: webull needs base_url and account_id", acct.Alias)
			}
			if acct.TradeEvents.Enable && acct.TradeEvents.Host == "" {
				return fmt.Errorf("account %q: trade_events.enable needs trade_events.host", acct.Alias)
			}
		default:
			return fmt.Errorf("account %q: unknown broker %q", acct.Alias, acct.Broker)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one account may be marked default")
	}
	return nil
}

// DefaultAccount returns the alias clients target when they name none:
// the account marked default, else the first configured.
func (c *Config) DefaultAccount() string {
	for _, acct := range c.Accounts {
		if acct.Default {
			return acct.Alias
		}
	}
	return c.Accounts[0].Alias
}
