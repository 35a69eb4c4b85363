package match

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the process configuration for matchd, read from a yaml file
// with MATCHER_-prefixed environment overrides (MATCHER_DATABASE_DSN,
// MATCHER_REDIS_ADDR, ...).
type Config struct {
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Matcher struct {
		TickInterval      time.Duration `mapstructure:"tick_interval"`
		RoundTimeout      time.Duration `mapstructure:"round_timeout"`
		PriceGuard        string        `mapstructure:"price_guard"`
		ConcurrentSymbols []string      `mapstructure:"concurrent_symbols"`
		FeeSinkUserID     int64         `mapstructure:"fee_sink_user_id"`
	} `mapstructure:"matcher"`

	OrderBook struct {
		Interval   time.Duration `mapstructure:"interval"`
		DepthLimit int           `mapstructure:"depth_limit"`
	} `mapstructure:"orderbook"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// LoadConfig reads the configuration file at path. An empty path falls back
// to config.yaml in the working directory; a missing file is fine as long
// as the environment supplies what the defaults do not.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("matcher.tick_interval", time.Second)
	v.SetDefault("matcher.round_timeout", 30*time.Second)
	v.SetDefault("matcher.price_guard", "0.1")
	v.SetDefault("matcher.fee_sink_user_id", 1)
	v.SetDefault("orderbook.interval", 5*time.Second)
	v.SetDefault("orderbook.depth_limit", 50)
	v.SetDefault("metrics.addr", ":9301")
	v.SetDefault("redis.addr", "localhost:6379")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if _, err := decimal.NewFromString(cfg.Matcher.PriceGuard); err != nil {
		return nil, fmt.Errorf("%w: matcher.price_guard %q", ErrInvalidParam, cfg.Matcher.PriceGuard)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("%w: database.dsn is required", ErrInvalidParam)
	}

	return &cfg, nil
}

// PriceGuardDecimal returns the parsed price guard. LoadConfig validated it.
func (c *Config) PriceGuardDecimal() decimal.Decimal {
	guard, _ := decimal.NewFromString(c.Matcher.PriceGuard)
	return guard
}
