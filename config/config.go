package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"marketflow/models"
)

type Config struct {
	Marketflow MarketflowConfig          `yaml:"marketflow"`
	Connection ConnectionConfig          `yaml:"connection"`
	OrderBook  OrderBookConfig           `yaml:"orderbook"`
	Exchanges  map[string]ExchangeConfig `yaml:"exchanges"`
	Dashboard  DashboardConfig           `yaml:"dashboard"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Cache      CacheConfig               `yaml:"cache"`
	Logging    LoggingConfig             `yaml:"logging"`
}

type MarketflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type OrderBookConfig struct {
	StatsTTL   time.Duration `yaml:"stats_ttl"`
	MaxPending int           `yaml:"max_pending"`
	MaxGapAge  time.Duration `yaml:"max_gap_age"`
}

// ExchangeConfig enables one exchange and overrides its protocol defaults.
// Zero values keep the adapter's built in setting.
type ExchangeConfig struct {
	Enabled           bool              `yaml:"enabled"`
	Markets           []string          `yaml:"markets"`
	Symbols           []string          `yaml:"symbols"`
	URLs              map[string]string `yaml:"urls"`
	PingInterval      time.Duration     `yaml:"ping_interval"`
	Compression       *bool             `yaml:"compression"`
	SubscribeBatch    int               `yaml:"subscribe_batch"`
	MessagesPerSecond float64           `yaml:"messages_per_second"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address" env:"DASHBOARD_ADDRESS"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	// ReportInterval controls the periodic runtime report; zero disables it.
	ReportInterval time.Duration `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region" env:"AWS_REGION"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func defaults() Config {
	return Config{
		Connection: ConnectionConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			DialTimeout:       10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 10,
				BaseDelay:   time.Second,
				MaxDelay:    60 * time.Second,
			},
		},
		OrderBook: OrderBookConfig{
			StatsTTL:   100 * time.Millisecond,
			MaxPending: 1000,
			MaxGapAge:  5 * time.Second,
		},
		Dashboard: DashboardConfig{Address: ":8080", LogHistory: 200, MetricsHistory: 200},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "MarketFlow", Dashboard: "MarketFlow"},
		},
		Cache: CacheConfig{Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 10}},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads the yaml file at path, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	config.Cache.Redis.Addr = strings.TrimSpace(config.Cache.Redis.Addr)

	if err := validateConfig(&config, getAppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config, environment string) error {
	if cfg.Marketflow.Name == "" {
		return fmt.Errorf("marketflow.name is required")
	}
	if cfg.Marketflow.Version == "" {
		return fmt.Errorf("marketflow.version is required")
	}

	if cfg.Connection.HeartbeatInterval <= 0 {
		return fmt.Errorf("connection.heartbeat_interval must be greater than 0")
	}
	if cfg.Connection.HeartbeatTimeout < cfg.Connection.HeartbeatInterval {
		return fmt.Errorf("connection.heartbeat_timeout must not be shorter than connection.heartbeat_interval")
	}
	if cfg.Connection.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("connection.retry.max_attempts must be greater than 0")
	}
	if cfg.Connection.Retry.BaseDelay <= 0 {
		return fmt.Errorf("connection.retry.base_delay must be greater than 0")
	}
	if cfg.Connection.Retry.MaxDelay < cfg.Connection.Retry.BaseDelay {
		return fmt.Errorf("connection.retry.max_delay must not be shorter than connection.retry.base_delay")
	}

	if cfg.OrderBook.MaxPending <= 0 {
		return fmt.Errorf("orderbook.max_pending must be greater than 0")
	}
	if cfg.OrderBook.MaxGapAge <= 0 {
		return fmt.Errorf("orderbook.max_gap_age must be greater than 0")
	}

	enabled := 0
	for name, ex := range cfg.Exchanges {
		if _, err := models.ParseExchangeID(name); err != nil {
			return fmt.Errorf("exchanges.%s: %w", name, err)
		}
		for _, m := range ex.Markets {
			if _, err := models.ParseMarketType(m); err != nil {
				return fmt.Errorf("exchanges.%s.markets: %w", name, err)
			}
		}
		for m := range ex.URLs {
			if _, err := models.ParseMarketType(m); err != nil {
				return fmt.Errorf("exchanges.%s.urls: %w", name, err)
			}
		}
		if ex.MessagesPerSecond < 0 {
			return fmt.Errorf("exchanges.%s.messages_per_second must not be negative", name)
		}
		if ex.Enabled && len(ex.Symbols) > 0 {
			enabled++
		}
	}
	if IsProductionLike(environment) && enabled == 0 {
		return fmt.Errorf("at least one enabled exchange with symbols is required in %s", environment)
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}
	if cfg.Cache.Redis.Enabled && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when redis is enabled")
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when cloudwatch is enabled")
	}

	return nil
}

// EnabledExchanges returns the enabled exchanges in priority order.
func (c *Config) EnabledExchanges() []models.ExchangeID {
	var out []models.ExchangeID
	for _, id := range models.ExchangePriority {
		if ex, ok := c.Exchanges[string(id)]; ok && ex.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// MarketTypes returns the parsed market types for an exchange. An empty list
// means every market type the adapter supports.
func (e ExchangeConfig) MarketTypes() []models.MarketType {
	out := make([]models.MarketType, 0, len(e.Markets))
	for _, m := range e.Markets {
		if mt, err := models.ParseMarketType(m); err == nil {
			out = append(out, mt)
		}
	}
	return out
}
