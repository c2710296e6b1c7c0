// Package config loads gateway configuration from environment variables
// and an optional YAML file, in that order of precedence. All variables
// use the SEARCHGATE_ prefix; the credential list additionally honors the
// bare GITHUB_TOKENS name for compatibility with existing deployments.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	// GitHubTokens is the raw comma-separated upstream credential list.
	// Parsed and validated by the token manager at startup.
	GitHubTokens  string        `mapstructure:"github_tokens"`
	GitHubBaseURL string        `mapstructure:"github_base_url"`
	GitHubTimeout time.Duration `mapstructure:"github_timeout"`

	// AllowedOrigins is the CORS allowlist.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
}

// RedisConfig is the coordination store connection. When Addr is empty
// the gateway runs on the in-memory store (single-process mode).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig is the per-client admission quota.
type RateLimitConfig struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// DedupConfig tunes request coalescing.
type DedupConfig struct {
	Window       time.Duration `mapstructure:"window"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollBudget   int           `mapstructure:"poll_budget"`
}

// Load reads configuration. cfgFile may be empty; environment variables
// always win over file values.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("github_base_url", "https://api.github.com")
	v.SetDefault("github_timeout", 30*time.Second)
	v.SetDefault("allowed_origins", []string{
		"http://localhost:5173", "http://localhost:3000", "http://localhost:4173",
	})
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window", 60*time.Second)
	v.SetDefault("dedup.window", 3*time.Second)
	v.SetDefault("dedup.poll_interval", 100*time.Millisecond)
	v.SetDefault("dedup.poll_budget", 20)

	v.SetEnvPrefix("SEARCHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Deployments that predate the prefix export GITHUB_TOKENS directly.
	_ = v.BindEnv("github_tokens", "SEARCHGATE_GITHUB_TOKENS", "GITHUB_TOKENS")
	_ = v.BindEnv("allowed_origins", "SEARCHGATE_ALLOWED_ORIGINS", "ALLOWED_ORIGINS")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	// Environment values arrive as strings; decode them into the typed
	// fields the same way file values are decoded.
	weak := func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true }
	if err := v.Unmarshal(&cfg, weak); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: ratelimit.limit and ratelimit.window must be positive")
	}
	if c.Dedup.Window <= 0 || c.Dedup.PollInterval <= 0 || c.Dedup.PollBudget <= 0 {
		return fmt.Errorf("config: dedup window, poll_interval, and poll_budget must be positive")
	}
	if c.GitHubTimeout <= 0 {
		return fmt.Errorf("config: github_timeout must be positive")
	}
	return nil
}
