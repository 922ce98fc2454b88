// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Lock      LockConfig      `mapstructure:"lock"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Domains   []DomainSeed    `mapstructure:"domains"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs session behavior.
type CrawlerConfig struct {
	UserAgent    string `mapstructure:"user_agent"`
	DefaultLimit int    `mapstructure:"default_limit"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
}

// SchedulerConfig holds the recrawl priority formula knobs.
type SchedulerConfig struct {
	HoursPerLink       float64 `mapstructure:"hours_per_link"`
	MinIntervalMinutes int     `mapstructure:"min_interval_minutes"`
	MaxIntervalDays    int     `mapstructure:"max_interval_days"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig points at the shared lock store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for content-ready notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LockConfig governs the per-stage page lock service.
type LockConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DomainSeed registers a crawl target from configuration.
type DomainSeed struct {
	Hostname     string   `mapstructure:"hostname"`
	Subdomains   []string `mapstructure:"subdomains"`
	Protocol     string   `mapstructure:"protocol"`
	DelaySeconds int      `mapstructure:"delay_seconds"`
	PageBudget   int      `mapstructure:"page_budget"`
	Render       bool     `mapstructure:"render"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHOPGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "shopgraph-bot/0.1")
	v.SetDefault("crawler.default_limit", 50)
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("scheduler.hours_per_link", 1.0)
	v.SetDefault("scheduler.min_interval_minutes", 20)
	v.SetDefault("scheduler.max_interval_days", 20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("lock.ttl_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.DefaultLimit <= 0 {
		return fmt.Errorf("crawler.default_limit must be > 0")
	}
	if c.Scheduler.HoursPerLink < 0 {
		return fmt.Errorf("scheduler.hours_per_link must be >= 0")
	}
	if c.Scheduler.MinIntervalMinutes < 0 {
		return fmt.Errorf("scheduler.min_interval_minutes must be >= 0")
	}
	if c.Scheduler.MaxIntervalDays <= 0 {
		return fmt.Errorf("scheduler.max_interval_days must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be > 0")
	}
	for _, d := range c.Domains {
		if d.Hostname == "" {
			return fmt.Errorf("domains entries require a hostname")
		}
	}
	return nil
}

// RequestDelay converts the configured delay into a duration.
func (c CrawlerConfig) RequestDelay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// TTL converts the configured lock TTL into a duration.
func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
