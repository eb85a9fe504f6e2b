package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"token-alerts/internal/logging"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Supported price providers.
const (
	ProviderTicker = "ticker"
	ProviderOracle = "oracle"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Source    SourceConfig    `mapstructure:"source"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Events    EventsConfig    `mapstructure:"events"`
	Status    StatusConfig    `mapstructure:"status"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates database connectivity.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the cadence of every periodic task.
type SchedulerConfig struct {
	PriceInterval   time.Duration `mapstructure:"price_interval"`
	VolumeInterval  time.Duration `mapstructure:"volume_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// EngineConfig tunes a single evaluation cycle.
type EngineConfig struct {
	Concurrency  int             `mapstructure:"concurrency"`
	FetchTimeout time.Duration   `mapstructure:"fetch_timeout"`
	StoreTimeout time.Duration   `mapstructure:"store_timeout"`
	FetchRetry   []time.Duration `mapstructure:"fetch_retry"`
}

// CooldownConfig is the per-metric-class cooldown policy.
type CooldownConfig struct {
	Price  time.Duration `mapstructure:"price"`
	Volume time.Duration `mapstructure:"volume"`
}

// SourceConfig selects and configures metric sources.
type SourceConfig struct {
	PriceProvider string        `mapstructure:"price_provider"`
	MaxStaleness  time.Duration `mapstructure:"max_staleness"`
	Ticker        TickerConfig  `mapstructure:"ticker"`
	Oracle        OracleConfig  `mapstructure:"oracle"`
}

// TickerConfig covers the HTTP ticker API.
type TickerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Quote          string        `mapstructure:"quote"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OracleConfig covers on-chain price feeds.
type OracleConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// AlertingConfig defines notification delivery.
type AlertingConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	QueueSize       int             `mapstructure:"queue_size"`
	Workers         int             `mapstructure:"workers"`
	DeliveryTimeout time.Duration   `mapstructure:"delivery_timeout"`
	RetrySchedule   []time.Duration `mapstructure:"retry_schedule"`
	DefaultChannel  string          `mapstructure:"default_channel"`
	Telegram        TelegramConfig  `mapstructure:"telegram"`
	Webhook         WebhookConfig   `mapstructure:"webhook"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig describes the generic webhook channel.
type WebhookConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	UserAgent string `mapstructure:"user_agent"`
}

// CleanupConfig tunes the orphaned-destination sweep.
type CleanupConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// EventsConfig configures the fired-alert event stream.
type EventsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StatusConfig configures the operational HTTP endpoint.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("ALERTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alertd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.price_interval", "30s")
	v.SetDefault("scheduler.volume_interval", "1h")
	v.SetDefault("scheduler.cleanup_interval", "6h")
	v.SetDefault("scheduler.cycle_timeout", "2m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616c7274))

	v.SetDefault("engine.concurrency", 8)
	v.SetDefault("engine.fetch_timeout", "10s")
	v.SetDefault("engine.store_timeout", "5s")
	v.SetDefault("engine.fetch_retry", []string{"250ms", "1s"})

	v.SetDefault("cooldown.price", "60s")
	v.SetDefault("cooldown.volume", "24h")

	v.SetDefault("source.price_provider", ProviderTicker)
	v.SetDefault("source.max_staleness", "10m")
	v.SetDefault("source.ticker.base_url", "https://api.coinpaprika.com/v1")
	v.SetDefault("source.ticker.quote", "USD")
	v.SetDefault("source.ticker.request_timeout", "10s")
	v.SetDefault("source.ticker.user_agent", "alertd/1.0")
	v.SetDefault("source.oracle.request_timeout", "10s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.queue_size", 1024)
	v.SetDefault("alerting.workers", 4)
	v.SetDefault("alerting.delivery_timeout", "15s")
	v.SetDefault("alerting.retry_schedule", []string{"1m", "5m", "15m", "30m", "1h"})
	v.SetDefault("alerting.default_channel", "telegram")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.user_agent", "alertd/1.0")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.probe_timeout", "10s")
	v.SetDefault("cleanup.concurrency", 4)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "alerts.fired")
	v.SetDefault("events.write_timeout", "5s")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.listen", ":9090")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	if c.Scheduler.PriceInterval <= 0 || c.Scheduler.VolumeInterval <= 0 || c.Scheduler.CleanupInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Cooldown.Price <= 0 || c.Cooldown.Volume <= 0 {
		return fmt.Errorf("cooldown.price and cooldown.volume must be greater than zero")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be greater than zero")
	}
	if c.Engine.FetchTimeout <= 0 || c.Engine.StoreTimeout <= 0 {
		return fmt.Errorf("engine.fetch_timeout and engine.store_timeout must be greater than zero")
	}
	switch c.Source.PriceProvider {
	case ProviderTicker:
	case ProviderOracle:
		if c.Source.Oracle.RPCURL == "" {
			return fmt.Errorf("source.oracle.rpc_url is required when price_provider=oracle")
		}
	default:
		return fmt.Errorf("source.price_provider must be %q or %q", ProviderTicker, ProviderOracle)
	}
	if c.Alerting.QueueSize <= 0 || c.Alerting.Workers <= 0 {
		return fmt.Errorf("alerting.queue_size and alerting.workers must be greater than zero")
	}
	if c.Alerting.DeliveryTimeout <= 0 {
		return fmt.Errorf("alerting.delivery_timeout must be greater than zero")
	}
	for _, d := range c.Alerting.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("alerting.retry_schedule entries must be positive")
		}
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required when events are enabled")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic is required when events are enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
