package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // slot timezones must resolve in minimal containers

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"savings-alerts/internal/logging"
)

// Product sources.
const (
	SourceDatabase = "database"
	SourceFinlife  = "finlife"
)

// Config materialises application configuration. It is read once at startup
// and passed by pointer; nothing mutates it afterwards.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Products  ProductsConfig  `mapstructure:"products"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig holds the daily slot table.
type SchedulerConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	ScanAt          string        `mapstructure:"scan_at"`
	DispatchAt      []string      `mapstructure:"dispatch_at"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	SlotTimeout     time.Duration `mapstructure:"slot_timeout"`
}

// Location loads the scheduler timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// DispatchConfig tunes the dispatch service.
type DispatchConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// ProductsConfig selects where product snapshots come from.
type ProductsConfig struct {
	Source  string        `mapstructure:"source"`
	Finlife FinlifeConfig `mapstructure:"finlife"`
}

// FinlifeConfig covers the FSS financial product open API.
type FinlifeConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AuthKey     string        `mapstructure:"auth_key"`
	TopFinGrpNo []string      `mapstructure:"top_fin_grp_no"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxPages    int           `mapstructure:"max_pages"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// ChannelsConfig groups the delivery channels.
type ChannelsConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	SMS     SMSConfig     `mapstructure:"sms"`
	Push    PushConfig    `mapstructure:"push"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	FromAddress string        `mapstructure:"from_address"`
	FromName    string        `mapstructure:"from_name"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SMSConfig configures the signed SMS gateway.
type SMSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	ServiceID       string        `mapstructure:"service_id"`
	AccessKey       string        `mapstructure:"access_key"`
	SecretKey       string        `mapstructure:"secret_key"`
	FromNumber      string        `mapstructure:"from_number"`
	CountryCode     string        `mapstructure:"country_code"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	ShortLimitBytes int           `mapstructure:"short_limit_bytes"`
}

// PushConfig configures the AMQP push transport.
type PushConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// BreakerConfig tunes the per-channel circuit breakers.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// AlertingConfig routes operator slot reports.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram ops channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AdminConfig configures the operator HTTP surface.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Token      string `mapstructure:"token"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATEALERT")
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
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratealert")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.timezone", "Asia/Seoul")
	v.SetDefault("scheduler.scan_at", "03:00")
	v.SetDefault("scheduler.dispatch_at", []string{"09:00", "09:05", "09:15", "09:30"})
	v.SetDefault("scheduler.advisory_lock_key", int64(0x52414c54))
	v.SetDefault("scheduler.slot_timeout", "30m")

	v.SetDefault("dispatch.batch_size", 100)
	v.SetDefault("dispatch.max_attempts", 0)
	v.SetDefault("dispatch.send_timeout", "10s")

	v.SetDefault("products.source", SourceDatabase)
	v.SetDefault("products.finlife.base_url", "https://finlife.fss.or.kr/finlifeapi")
	v.SetDefault("products.finlife.top_fin_grp_no", []string{"020000", "030300"})
	v.SetDefault("products.finlife.timeout", "10s")
	v.SetDefault("products.finlife.max_pages", 20)
	v.SetDefault("products.finlife.user_agent", "ratealert/1.0")

	v.SetDefault("channels.email.enabled", false)
	v.SetDefault("channels.email.port", 587)
	v.SetDefault("channels.email.from_name", "Rate Alerts")
	v.SetDefault("channels.email.timeout", "30s")

	v.SetDefault("channels.sms.enabled", false)
	v.SetDefault("channels.sms.base_url", "https://sens.apigw.ntruss.com")
	v.SetDefault("channels.sms.country_code", "82")
	v.SetDefault("channels.sms.timeout", "5s")
	v.SetDefault("channels.sms.rate_per_second", 10.0)
	v.SetDefault("channels.sms.burst", 5)
	v.SetDefault("channels.sms.short_limit_bytes", 90)

	v.SetDefault("channels.push.enabled", false)
	v.SetDefault("channels.push.exchange", "notifications")
	v.SetDefault("channels.push.routing_key", "alerts.push")

	v.SetDefault("channels.breaker.max_requests", 3)
	v.SetDefault("channels.breaker.interval", "60s")
	v.SetDefault("channels.breaker.timeout", "120s")
	v.SetDefault("channels.breaker.failure_ratio", 0.6)
	v.SetDefault("channels.breaker.min_requests", 5)

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("admin.listen_addr", ":8081")

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
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be greater than zero")
	}
	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts cannot be negative")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Channels.validate(); err != nil {
		return err
	}

	switch c.Products.Source {
	case SourceDatabase:
	case SourceFinlife:
		if c.Products.Finlife.AuthKey == "" {
			return fmt.Errorf("products.finlife.auth_key is required when products.source=finlife")
		}
	default:
		return fmt.Errorf("products.source must be %q or %q, got %q", SourceDatabase, SourceFinlife, c.Products.Source)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if _, err := s.Location(); err != nil {
		return err
	}
	if !validClock(s.ScanAt) {
		return fmt.Errorf("scheduler.scan_at %q must be HH:MM", s.ScanAt)
	}
	if len(s.DispatchAt) != 4 {
		return fmt.Errorf("scheduler.dispatch_at needs exactly 4 times, got %d", len(s.DispatchAt))
	}
	for _, at := range s.DispatchAt {
		if !validClock(at) {
			return fmt.Errorf("scheduler.dispatch_at entry %q must be HH:MM", at)
		}
	}
	return nil
}

func (c ChannelsConfig) validate() error {
	if c.Email.Enabled {
		if c.Email.Host == "" {
			return fmt.Errorf("channels.email.host is required when email is enabled")
		}
		if c.Email.FromAddress == "" {
			return fmt.Errorf("channels.email.from_address is required when email is enabled")
		}
	}
	if c.SMS.Enabled {
		if c.SMS.BaseURL == "" || c.SMS.ServiceID == "" {
			return fmt.Errorf("channels.sms.base_url and channels.sms.service_id are required when sms is enabled")
		}
		if c.SMS.AccessKey == "" || c.SMS.SecretKey == "" {
			return fmt.Errorf("channels.sms.access_key and channels.sms.secret_key are required when sms is enabled")
		}
		if c.SMS.FromNumber == "" {
			return fmt.Errorf("channels.sms.from_number is required when sms is enabled")
		}
	}
	if c.Push.Enabled && c.Push.AMQPURL == "" {
		return fmt.Errorf("channels.push.amqp_url is required when push is enabled")
	}
	if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("channels.breaker.failure_ratio must be within [0,1]")
	}
	return nil
}

func validClock(at string) bool {
	if len(at) != 5 {
		return false
	}
	_, err := time.Parse("15:04", at)
	return err == nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveBatchSize returns either the CLI override or config default.
func (c *Config) ResolveBatchSize(override int) int {
	if override > 0 {
		return override
	}
	return c.Dispatch.BatchSize
}
