package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oddsview-terminal/oddsview/internal/feed"
)

// Config holds all application configuration.
type Config struct {
	Env      string `mapstructure:"env"`
	Feed     FeedConfig
	Metadata MetadataConfig
	Redis    RedisConfig
	Session  SessionConfig
	Publish  PublishConfig
}

// FeedConfig holds market-data feed settings.
type FeedConfig struct {
	URL               string   `mapstructure:"url"`
	MarketID          string   `mapstructure:"market_id"`
	AssetIDs          []string `mapstructure:"asset_ids"`
	OutcomeLabels     []string `mapstructure:"outcome_labels"`
	SubscribeDelayMs  int      `mapstructure:"subscribe_delay_ms"`
	HeartbeatSec      int      `mapstructure:"heartbeat_sec"`
	ReconnectPolicy   string   `mapstructure:"reconnect_policy"` // "fixed" or "exponential"
	ReconnectSec      int      `mapstructure:"reconnect_sec"`
	ReconnectMaxSec   int      `mapstructure:"reconnect_max_sec"`
	ReconnectAttempts int      `mapstructure:"reconnect_attempts"`
}

// ClientConfig converts feed settings into the client's config type.
func (f FeedConfig) ClientConfig() feed.Config {
	cfg := feed.DefaultConfig(f.URL)
	cfg.MarketID = f.MarketID
	cfg.AssetIDs = f.AssetIDs
	if f.SubscribeDelayMs > 0 {
		cfg.SubscribeDelay = time.Duration(f.SubscribeDelayMs) * time.Millisecond
	}
	if f.HeartbeatSec > 0 {
		cfg.HeartbeatInterval = time.Duration(f.HeartbeatSec) * time.Second
	}
	if f.ReconnectPolicy == string(feed.BackoffExponential) {
		cfg.Reconnect.Strategy = feed.BackoffExponential
	}
	if f.ReconnectSec > 0 {
		cfg.Reconnect.Interval = time.Duration(f.ReconnectSec) * time.Second
	}
	if f.ReconnectMaxSec > 0 {
		cfg.Reconnect.MaxInterval = time.Duration(f.ReconnectMaxSec) * time.Second
	}
	if f.ReconnectAttempts > 0 {
		cfg.Reconnect.MaxAttempts = f.ReconnectAttempts
	}
	return cfg
}

// MetadataConfig holds CLOB REST settings.
type MetadataConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig holds single-use session settings.
type SessionConfig struct {
	TTLSec int `mapstructure:"ttl_sec"`
}

// PublishConfig holds snapshot-publisher settings.
type PublishConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	IntervalMs int  `mapstructure:"interval_ms"`
}

// Load reads configuration from environment variables prefixed with
// ODDSVIEW_. List-valued fields take comma-separated values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ODDSVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Feed defaults
	v.SetDefault("feed.url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("feed.subscribe_delay_ms", 100)
	v.SetDefault("feed.heartbeat_sec", 30)
	v.SetDefault("feed.reconnect_policy", "fixed")
	v.SetDefault("feed.reconnect_sec", 3)
	v.SetDefault("feed.reconnect_max_sec", 30)
	v.SetDefault("feed.reconnect_attempts", 5)

	// Metadata defaults
	v.SetDefault("metadata.base_url", "https://clob.polymarket.com")
	v.SetDefault("metadata.timeout_sec", 10)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Session defaults
	v.SetDefault("session.ttl_sec", 300)

	// Publish defaults
	v.SetDefault("publish.enabled", true)
	v.SetDefault("publish.interval_ms", 1000)

	cfg := &Config{}
	cfg.Env = v.GetString("env")

	cfg.Feed = FeedConfig{
		URL:               v.GetString("feed.url"),
		MarketID:          v.GetString("feed.market_id"),
		AssetIDs:          splitList(v.GetString("feed.asset_ids")),
		OutcomeLabels:     splitList(v.GetString("feed.outcome_labels")),
		SubscribeDelayMs:  v.GetInt("feed.subscribe_delay_ms"),
		HeartbeatSec:      v.GetInt("feed.heartbeat_sec"),
		ReconnectPolicy:   v.GetString("feed.reconnect_policy"),
		ReconnectSec:      v.GetInt("feed.reconnect_sec"),
		ReconnectMaxSec:   v.GetInt("feed.reconnect_max_sec"),
		ReconnectAttempts: v.GetInt("feed.reconnect_attempts"),
	}

	cfg.Metadata = MetadataConfig{
		BaseURL:    v.GetString("metadata.base_url"),
		TimeoutSec: v.GetInt("metadata.timeout_sec"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Session = SessionConfig{
		TTLSec: v.GetInt("session.ttl_sec"),
	}

	cfg.Publish = PublishConfig{
		Enabled:    v.GetBool("publish.enabled"),
		IntervalMs: v.GetInt("publish.interval_ms"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("config: feed.url is required")
	}
	if p := c.Feed.ReconnectPolicy; p != "fixed" && p != "exponential" {
		return fmt.Errorf("config: feed.reconnect_policy must be \"fixed\" or \"exponential\", got %q", p)
	}
	if c.Feed.MarketID == "" && len(c.Feed.AssetIDs) == 0 {
		return fmt.Errorf("config: feed.market_id or feed.asset_ids is required")
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
