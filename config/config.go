package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Client     ClientConfig     `yaml:"client"`
	Connection ConnectionConfig `yaml:"connection"`
	Watch      WatchConfig      `yaml:"watch"`
	Cache      CacheConfig      `yaml:"cache"`
	Book       BookConfig       `yaml:"book"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ClientConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ConnectionConfig struct {
	PublicURL         string        `yaml:"public_url"`
	PrivateURL        string        `yaml:"private_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

type WatchConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxSymbolsPerRequest int           `yaml:"max_symbols_per_request"`
}

type CacheConfig struct {
	TradesLimit    int `yaml:"trades_limit"`
	OrdersLimit    int `yaml:"orders_limit"`
	OHLCVLimit     int `yaml:"ohlcv_limit"`
	PositionsLimit int `yaml:"positions_limit"`
}

type BookConfig struct {
	// Depth is the default depth tier used when a subscription does not
	// declare one. Zero means unbounded incremental.
	Depth int `yaml:"depth"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

var envVarRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} placeholders in the raw config with the values of
// the corresponding environment variables. Unset variables expand to "".
func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarRegexp.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Connection.HeartbeatInterval <= 0 {
		cfg.Connection.HeartbeatInterval = 20 * time.Second
	}
	if cfg.Connection.HeartbeatTimeout <= 0 {
		cfg.Connection.HeartbeatTimeout = 2 * cfg.Connection.HeartbeatInterval
	}
	if cfg.Connection.ReconnectDelay <= 0 {
		cfg.Connection.ReconnectDelay = 5 * time.Second
	}
	if cfg.Connection.MaxReconnectDelay <= 0 {
		cfg.Connection.MaxReconnectDelay = time.Minute
	}
	if cfg.Watch.Timeout <= 0 {
		cfg.Watch.Timeout = 30 * time.Second
	}
	if cfg.Watch.MaxSymbolsPerRequest <= 0 {
		cfg.Watch.MaxSymbolsPerRequest = 100
	}
	if cfg.Cache.TradesLimit <= 0 {
		cfg.Cache.TradesLimit = 1000
	}
	if cfg.Cache.OrdersLimit <= 0 {
		cfg.Cache.OrdersLimit = 1000
	}
	if cfg.Cache.OHLCVLimit <= 0 {
		cfg.Cache.OHLCVLimit = 1000
	}
	if cfg.Cache.PositionsLimit <= 0 {
		cfg.Cache.PositionsLimit = 1000
	}
	if cfg.RateLimit.MessagesPerSecond <= 0 {
		cfg.RateLimit.MessagesPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Client.Name == "" {
		return fmt.Errorf("client.name is required")
	}

	if cfg.Client.Version == "" {
		return fmt.Errorf("client.version is required")
	}

	if cfg.Connection.HeartbeatTimeout <= cfg.Connection.HeartbeatInterval {
		return fmt.Errorf("connection.heartbeat_timeout must be greater than connection.heartbeat_interval")
	}

	if cfg.Connection.MaxReconnectDelay < cfg.Connection.ReconnectDelay {
		return fmt.Errorf("connection.max_reconnect_delay must not be less than connection.reconnect_delay")
	}

	if cfg.Book.Depth < 0 {
		return fmt.Errorf("book.depth must not be negative")
	}

	return nil
}
