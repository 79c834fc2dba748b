package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Queue           QueueConfig           `mapstructure:"queue"`
	Retry           RetryConfig           `mapstructure:"retry"`
	Breaker         BreakerConfig         `mapstructure:"breaker"`
	CampaignMonitor CampaignMonitorConfig `mapstructure:"campaign_monitor"`
	Sites           SitesConfig           `mapstructure:"sites"`
	Logging         LoggingConfig         `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type RetryConfig struct {
	MaxRetries int             `mapstructure:"max_retries"`
	Backoff    []time.Duration `mapstructure:"backoff"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type CampaignMonitorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SitesConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("queue.name", "membersync")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.visibility_timeout", "60s")
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.backoff", []string{"1s", "2s", "4s", "8s", "16s"})
	v.SetDefault("breaker.threshold", 10)
	v.SetDefault("breaker.cooldown", "300s")
	v.SetDefault("campaign_monitor.base_url", "https://api.createsend.com/api/v3.3")
	v.SetDefault("campaign_monitor.timeout", "10s")
	v.SetDefault("sites.path", "sites.yaml")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/membersync")
	}

	// Environment variables override
	v.SetEnvPrefix("MEMBERSYNC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("retry.max_retries must not be negative")
	}
	if len(cfg.Retry.Backoff) == 0 {
		return nil, fmt.Errorf("retry.backoff must contain at least one delay")
	}
	if cfg.Breaker.Threshold < 1 {
		return nil, fmt.Errorf("breaker.threshold must be at least 1")
	}

	return &cfg, nil
}
