package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-change-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Store     StoreConfig     `mapstructure:"store"`
	Market    MarketConfig    `mapstructure:"market"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs check cadence in the long-running mode.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

// DetectorConfig holds debounce window, retention and sensitivities.
type DetectorConfig struct {
	Window               time.Duration      `mapstructure:"window"`
	Retention            time.Duration      `mapstructure:"retention"`
	Assets               []string           `mapstructure:"assets"`
	Sensitivities        map[string]float64 `mapstructure:"sensitivities"`
	ZeroDTECutover       string             `mapstructure:"zero_dte_cutover"`
	ZeroDTETimezone      string             `mapstructure:"zero_dte_timezone"`
	PriceDetectorEnabled bool               `mapstructure:"price_detector_enabled"`
	BroadcastFamilies    []string           `mapstructure:"broadcast_families"`
	LockTTL              time.Duration      `mapstructure:"lock_ttl"`
	KeyPrefix            string             `mapstructure:"key_prefix"`
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
}

// RedisConfig encapsulates Redis connectivity.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MarketConfig locates the published market data document.
type MarketConfig struct {
	Source         string        `mapstructure:"source"`
	URL            string        `mapstructure:"url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	S3             S3Config      `mapstructure:"s3"`
}

// S3Config covers the market data object.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Key             string `mapstructure:"key"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// PoolConfig covers on-chain liquidity pool access.
type PoolConfig struct {
	RPCURL                string        `mapstructure:"rpc_url"`
	ViewAggregatorAddress string        `mapstructure:"view_aggregator_address"`
	OlpManagerAddress     string        `mapstructure:"olp_manager_address"`
	ScaleDecimals         int32         `mapstructure:"scale_decimals"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	BotToken         string `mapstructure:"bot_token"`
	ChatID           string `mapstructure:"chat_id"`
	APIBase          string `mapstructure:"api_base"`
	BroadcastMention string `mapstructure:"broadcast_mention"`
}

// SlackConfig 描述 Slack webhook 参数。
type SlackConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	NotificationWebhook string `mapstructure:"notification_webhook"`
	AlertWebhook        string `mapstructure:"alert_webhook"`
	BroadcastMention    string `mapstructure:"broadcast_mention"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHANGEWATCH")
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
	v.SetDefault("app.name", "changewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_timeout", "50s")

	v.SetDefault("detector.window", "1h")
	v.SetDefault("detector.retention", "2h")
	v.SetDefault("detector.assets", []string{"BTC", "ETH"})
	v.SetDefault("detector.sensitivities.spot", 0.05)
	v.SetDefault("detector.sensitivities.futures", 0.05)
	v.SetDefault("detector.sensitivities.pool_dv", 0.05)
	v.SetDefault("detector.sensitivities.pool_price", 0.05)
	v.SetDefault("detector.sensitivities.mark_iv", 0.10)
	v.SetDefault("detector.sensitivities.mark_iv_0dte", 0.20)
	v.SetDefault("detector.zero_dte_cutover", "08:00")
	v.SetDefault("detector.zero_dte_timezone", "UTC")
	v.SetDefault("detector.price_detector_enabled", true)
	v.SetDefault("detector.broadcast_families", []string{"pool_dv", "pool_price"})
	v.SetDefault("detector.lock_ttl", "2m")
	v.SetDefault("detector.key_prefix", "changewatch")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.dial_timeout", "5s")
	v.SetDefault("store.redis.read_timeout", "3s")
	v.SetDefault("store.redis.write_timeout", "3s")
	v.SetDefault("store.database.max_open_conns", 10)
	v.SetDefault("store.database.max_idle_conns", 2)
	v.SetDefault("store.database.conn_max_lifetime", "30m")

	v.SetDefault("market.source", "s3")
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.user_agent", "changewatch/1.0")

	v.SetDefault("pool.scale_decimals", 30)
	v.SetDefault("pool.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.slack.broadcast_mention", "<!channel>")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9102")

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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Detector.Window <= 0 {
		return fmt.Errorf("detector.window must be greater than zero")
	}
	if c.Detector.Retention <= c.Detector.Window {
		return fmt.Errorf("detector.retention (%s) must be strictly larger than detector.window (%s)", c.Detector.Retention, c.Detector.Window)
	}
	if len(c.Detector.Assets) == 0 {
		return fmt.Errorf("detector.assets must not be empty")
	}
	if c.Detector.LockTTL <= 0 {
		return fmt.Errorf("detector.lock_ttl must be greater than zero")
	}
	if c.Scheduler.RunTimeout > 0 && c.Detector.LockTTL < c.Scheduler.RunTimeout {
		return fmt.Errorf("detector.lock_ttl (%s) must cover scheduler.run_timeout (%s)", c.Detector.LockTTL, c.Scheduler.RunTimeout)
	}
	for name, rate := range c.Detector.Sensitivities {
		if rate < 0 {
			return fmt.Errorf("detector.sensitivities.%s cannot be negative", name)
		}
	}
	if _, _, err := c.Detector.Cutover(); err != nil {
		return err
	}
	if _, err := c.Detector.Location(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr 必须配置")
		}
	case "postgres":
		if c.Store.Database.DSN == "" {
			return fmt.Errorf("store.database.dsn 必须配置")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be one of redis, postgres, memory (got %q)", c.Store.Driver)
	}

	switch c.Market.Source {
	case "s3", "http":
	default:
		return fmt.Errorf("market.source must be s3 or http (got %q)", c.Market.Source)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.NotificationWebhook == "" && c.Alerting.Slack.AlertWebhook == "" {
		return fmt.Errorf("alerting.slack requires at least one webhook")
	}
	return nil
}

// Cutover parses zero_dte_cutover as HH:MM.
func (d DetectorConfig) Cutover() (int, int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(d.ZeroDTECutover))
	if err != nil {
		return 0, 0, fmt.Errorf("detector.zero_dte_cutover must be HH:MM: %w", err)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

// Location resolves zero_dte_timezone.
func (d DetectorConfig) Location() (*time.Location, error) {
	name := d.ZeroDTETimezone
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("detector.zero_dte_timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
