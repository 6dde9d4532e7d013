package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	App           AppSettings   `mapstructure:"app"`
	Database      Database      `mapstructure:"database"`
	Broker        Broker        `mapstructure:"broker"`
	Redis         Redis         `mapstructure:"redis"`
	Lock          Lock          `mapstructure:"lock"`
	WhatsApp      WhatsApp      `mapstructure:"whatsapp"`
	Workers       Workers       `mapstructure:"workers"`
	Observability Observability `mapstructure:"observability"`
}

type AppSettings struct {
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
	HTTPAddr  string `mapstructure:"http_addr" validate:"required"`
}

type Database struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable require verify-ca verify-full"`
}

// DSN renders the lib/pq connection URL.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Broker is optional; an empty URL makes Emit insert events directly.
type Broker struct {
	URL         string `mapstructure:"url" validate:"omitempty,url"`
	EventsQueue string `mapstructure:"events_queue" validate:"required"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type Lock struct {
	Backend string        `mapstructure:"backend" validate:"oneof=file redis"`
	Dir     string        `mapstructure:"dir"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type WhatsApp struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	PhoneNumberID  string        `mapstructure:"phone_number_id"`
	AccessToken    string        `mapstructure:"access_token"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	DefaultCountry string        `mapstructure:"default_country" validate:"required,numeric"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=1,lte=10"`
}

type Workers struct {
	AutomationBatch int           `mapstructure:"automation_batch" validate:"gt=0"`
	JobsBatch       int           `mapstructure:"jobs_batch" validate:"gt=0"`
	BulkCampaigns   int           `mapstructure:"bulk_campaigns" validate:"gt=0"`
	BulkItems       int           `mapstructure:"bulk_items" validate:"gt=0"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
}

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"`
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Lock.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("lock backend redis requires redis.addr")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "text")
	v.SetDefault("app.http_addr", ":8080")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "dispatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.events_queue", "automation_events")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lock.backend", "file")
	v.SetDefault("lock.dir", "")
	v.SetDefault("lock.ttl", 15*time.Minute)

	v.SetDefault("whatsapp.base_url", "https://graph.facebook.com/v21.0")
	v.SetDefault("whatsapp.phone_number_id", "")
	v.SetDefault("whatsapp.access_token", "")
	v.SetDefault("whatsapp.timeout", 15*time.Second)
	v.SetDefault("whatsapp.default_country", "55")
	v.SetDefault("whatsapp.max_retries", 3)

	v.SetDefault("workers.automation_batch", 50)
	v.SetDefault("workers.jobs_batch", 20)
	v.SetDefault("workers.bulk_campaigns", 5)
	v.SetDefault("workers.bulk_items", 20)
	v.SetDefault("workers.poll_interval", 30*time.Second)
	v.SetDefault("workers.metrics_addr", ":9100")

	v.SetDefault("observability.service_name", "dispatch-engine")
	v.SetDefault("observability.tracing_url", "")
}

// bindLegacyEnv keeps the DB_* and WHATSAPP_* variables deployments already set.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("database.host", "DISPATCH_DATABASE_HOST", "DB_HOST")
	_ = v.BindEnv("database.port", "DISPATCH_DATABASE_PORT", "DB_PORT")
	_ = v.BindEnv("database.user", "DISPATCH_DATABASE_USER", "DB_USER")
	_ = v.BindEnv("database.password", "DISPATCH_DATABASE_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("database.name", "DISPATCH_DATABASE_NAME", "DB_NAME")
	_ = v.BindEnv("whatsapp.base_url", "DISPATCH_WHATSAPP_BASE_URL", "WHATSAPP_API_BASE_URL")
	_ = v.BindEnv("whatsapp.phone_number_id", "DISPATCH_WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_PHONE_NUMBER_ID")
	_ = v.BindEnv("whatsapp.access_token", "DISPATCH_WHATSAPP_ACCESS_TOKEN", "WHATSAPP_API_TOKEN")
}

// Load reads .env, an optional dispatch.yaml under configPath and the
// environment, in increasing precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("[CONFIG] No .env file found, relying on OS environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetConfigName("dispatch")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
