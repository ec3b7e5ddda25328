package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Presence PresenceConfig `mapstructure:"presence"`
	Log      LogConfig      `mapstructure:"log"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig 协调存储配置；Enabled=false 时退化为单实例模式
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Channel   string `mapstructure:"channel"`
}

// RealtimeConfig outbox 发布相关配置
type RealtimeConfig struct {
	PublishInterval time.Duration   `mapstructure:"publish_interval"`
	BatchSize       int             `mapstructure:"batch_size"`
	MaxAttempts     int             `mapstructure:"max_attempts"`
	Backoff         []time.Duration `mapstructure:"backoff"`
	RetentionDays   int             `mapstructure:"retention_days"`
	RetentionCron   string          `mapstructure:"retention_cron"`
	ResumeLimit     int             `mapstructure:"resume_limit"`
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	IndexTTL      time.Duration `mapstructure:"index_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MessageRate   float64       `mapstructure:"message_rate"`
	MessageBurst  int           `mapstructure:"message_burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// SentryConfig 错误上报配置
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// TracingConfig OpenTelemetry 配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure"`
}

// Load 加载配置：config.yaml + CRM_ 前缀环境变量
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		v.AddConfigPath(p)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时只用默认值 + 环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allow_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=crm port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "crm:")
	v.SetDefault("redis.channel", "realtime:broadcast")

	v.SetDefault("realtime.publish_interval", time.Second)
	v.SetDefault("realtime.batch_size", 200)
	v.SetDefault("realtime.max_attempts", 10)
	v.SetDefault("realtime.backoff", []string{"2s", "5s", "15s", "60s"})
	v.SetDefault("realtime.retention_days", 7)
	v.SetDefault("realtime.retention_cron", "@every 1h")
	v.SetDefault("realtime.resume_limit", 500)

	v.SetDefault("presence.ttl", 90*time.Second)
	v.SetDefault("presence.index_ttl", 120*time.Second)
	v.SetDefault("presence.sweep_interval", 15*time.Second)
	v.SetDefault("presence.message_rate", 10.0)
	v.SetDefault("presence.message_burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "crm-realtime")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.insecure", true)
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Realtime.BatchSize <= 0 {
		return fmt.Errorf("realtime.batch_size must be positive")
	}
	if c.Realtime.MaxAttempts <= 0 {
		return fmt.Errorf("realtime.max_attempts must be positive")
	}
	if len(c.Realtime.Backoff) == 0 {
		return fmt.Errorf("realtime.backoff must not be empty")
	}
	for i := 1; i < len(c.Realtime.Backoff); i++ {
		if c.Realtime.Backoff[i] < c.Realtime.Backoff[i-1] {
			return fmt.Errorf("realtime.backoff must be non-decreasing")
		}
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.Presence.IndexTTL < c.Presence.TTL {
		c.Presence.IndexTTL = c.Presence.TTL
	}
	return nil
}
